package fits

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

func grayHeader(t *testing.T, bitpix int, extra ...string) *Header {
	t.Helper()
	cards := []string{
		"SIMPLE  =                    T",
		cardf("BITPIX", bitpix),
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
	}
	cards = append(cards, extra...)
	cards = append(cards, "END")
	return completedHeader(t, cards...)
}

func cardf(keyword string, v int) string {
	dst := make([]byte, CardLength)
	putCardInt(dst, keyword, int64(v))
	return string(dst)
}

func TestDecodeGray8RowOrder(t *testing.T) {
	h := grayHeader(t, 8)
	// Stored bottom-up: first row is the bottom of the picture.
	payload := []byte{0, 255, 128, 64}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	if img.Format != FormatGray8 {
		t.Fatalf("format = %v, want gray8", img.Format)
	}
	want := []uint8{128, 64, 0, 255}
	for i, w := range want {
		if img.Pix8[0][i] != w {
			t.Fatalf("pixel %d = %d, want %d", i, img.Pix8[0][i], w)
		}
	}
}

func TestDecodeGray8Normalization(t *testing.T) {
	h := grayHeader(t, 8)
	// Range 10..20 stretches to the full 8-bit range.
	payload := []byte{10, 20, 15, 10}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	want := []uint8{127, 0, 0, 255}
	for i, w := range want {
		if img.Pix8[0][i] != w {
			t.Fatalf("pixel %d = %d, want %d", i, img.Pix8[0][i], w)
		}
	}
}

func TestDecodeGray16Scaling(t *testing.T) {
	h := grayHeader(t, 16,
		"BZERO   =                32768",
		"DATAMIN =                    0",
		"DATAMAX =                65535",
	)
	payload := make([]byte, 8)
	raw := []int16{-32768, 32767, 0, -1}
	for i, v := range raw {
		binary.BigEndian.PutUint16(payload[2*i:], uint16(v))
	}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	if img.Format != FormatGray16 {
		t.Fatalf("format = %v, want gray16", img.Format)
	}
	// With the bias and the full-range DATAMIN/DATAMAX the transform is the
	// identity on the unsigned values.
	want := []uint16{32768, 32767, 0, 65535}
	for i, w := range want {
		if img.Pix16[0][i] != w {
			t.Fatalf("pixel %d = %d, want %d", i, img.Pix16[0][i], w)
		}
	}
}

func TestDecodeBlankSubstitution(t *testing.T) {
	h := grayHeader(t, 8, "BLANK   =                   10")
	payload := []byte{10, 20, 30, 40}
	img, err := DecodeImage(h, payload, DecodeOptions{BlankValue: 7})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	// BLANK pixels are excluded from the range scan, so 20..40 stretches.
	want := []uint8{127, 255, 7, 0}
	for i, w := range want {
		if img.Pix8[0][i] != w {
			t.Fatalf("pixel %d = %d, want %d", i, img.Pix8[0][i], w)
		}
	}
}

func TestDecodeAllBlank(t *testing.T) {
	h := grayHeader(t, 8, "BLANK   =                    5")
	payload := []byte{5, 5, 5, 5}
	if _, err := DecodeImage(h, payload, DecodeOptions{}); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestDecodeConstantData(t *testing.T) {
	h := grayHeader(t, 8)
	payload := []byte{42, 42, 42, 42}
	if _, err := DecodeImage(h, payload, DecodeOptions{}); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestDecodeFloat32(t *testing.T) {
	h := grayHeader(t, -32)
	payload := make([]byte, 16)
	vals := []float32{0, 1, 0.5, 0.25}
	for i, v := range vals {
		binary.BigEndian.PutUint32(payload[4*i:], math.Float32bits(v))
	}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	if img.Format != FormatGray16 {
		t.Fatalf("format = %v, want gray16", img.Format)
	}
	want := []uint16{32767, 16383, 0, 65535}
	for i, w := range want {
		if img.Pix16[0][i] != w {
			t.Fatalf("pixel %d = %d, want %d", i, img.Pix16[0][i], w)
		}
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	h := grayHeader(t, 8)
	if _, err := DecodeImage(h, []byte{1, 2}, DecodeOptions{}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func rgbHeader(t *testing.T, bitpix, planes int) *Header {
	t.Helper()
	return completedHeader(t,
		"SIMPLE  =                    T",
		cardf("BITPIX", bitpix),
		"NAXIS   =                    3",
		"NAXIS1  =                    2",
		"NAXIS2  =                    1",
		cardf("NAXIS3", planes),
		"CTYPE3  = 'RGB     '",
		"END",
	)
}

func TestDecodeRGB8(t *testing.T) {
	h := rgbHeader(t, 8, 3)
	// Planes are stored whole, red first.
	payload := []byte{
		1, 2, // red
		3, 4, // green
		5, 6, // blue
	}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	if img.Format != FormatRGB8 {
		t.Fatalf("format = %v, want rgb8", img.Format)
	}
	for p, want := range [][]uint8{{1, 2}, {3, 4}, {5, 6}} {
		for i, w := range want {
			if img.Pix8[p][i] != w {
				t.Fatalf("plane %d pixel %d = %d, want %d", p, i, img.Pix8[p][i], w)
			}
		}
	}
}

func TestDecodeRGBA16(t *testing.T) {
	h := rgbHeader(t, 16, 4)
	payload := make([]byte, 16)
	for i, v := range []uint16{100, 200, 300, 400, 500, 600, 700, 800} {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	img, err := DecodeImage(h, payload, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeImage returned error: %v", err)
	}
	if img.Format != FormatRGBA16 {
		t.Fatalf("format = %v, want rgba16", img.Format)
	}
	if img.Pix16[3][0] != 700 || img.Pix16[3][1] != 800 {
		t.Fatalf("alpha plane = %v", img.Pix16[3][:2])
	}
}

func TestDecodeRGBFloatRejected(t *testing.T) {
	h := rgbHeader(t, -32, 3)
	payload := make([]byte, 24)
	if _, err := DecodeImage(h, payload, DecodeOptions{}); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestDecodeIdempotent(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"BLANK   =                 -100",
		"OBSERVER= 'Vera    '",
		"END",
	)
	payload := make([]byte, 8)
	for i, s := range []int16{-100, 25, -50, 75} {
		binary.BigEndian.PutUint16(payload[2*i:], uint16(s))
	}
	block = append(block, payload...)
	for len(block)%BlockSize != 0 {
		block = append(block, 0)
	}

	opts := DecodeOptions{BlankValue: 9}
	first, err := DecodeBlock(block, true, opts)
	if err != nil {
		t.Fatalf("DecodeBlock returned error: %v", err)
	}
	second, err := DecodeBlock(block, true, opts)
	if err != nil {
		t.Fatalf("DecodeBlock returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated decode differs:\nfirst  %+v\nsecond %+v", first, second)
	}
	if v, ok := second.Meta.Get("OBSERVER"); !ok || v != "'Vera    '" {
		t.Fatalf("metadata after second decode = %q, %v", v, ok)
	}
}

func TestDecodeCubeWithoutRGBRejected(t *testing.T) {
	h := completedHeader(t,
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    3",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"NAXIS3  =                    3",
		"END",
	)
	payload := make([]byte, 12)
	if _, err := DecodeImage(h, payload, DecodeOptions{}); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}
