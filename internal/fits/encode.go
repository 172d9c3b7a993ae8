package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const unsignedBias = 32768

// EncodeBlock serializes img as a complete FITS frame: a card-aligned header
// block followed by the zero-padded data payload. first selects a primary
// HDU (SIMPLE) over an IMAGE extension (XTENSION).
func EncodeBlock(img *Image, first bool) ([]byte, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("%w: empty raster", ErrInvalidData)
	}
	switch img.Format {
	case FormatGray8, FormatGray16, FormatRGB8, FormatRGBA8, FormatRGB16, FormatRGBA16:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, img.Format)
	}
	depth := img.Format.BitDepth()
	planes := img.Format.Planes()
	color := planes > 1

	naxis := 2
	if color {
		naxis = 3
	}

	var hdr []byte
	card := func(fill func(dst []byte)) {
		hdr = append(hdr, make([]byte, CardLength)...)
		fill(hdr[len(hdr)-CardLength:])
	}
	if first {
		card(func(dst []byte) { putCardLogical(dst, "SIMPLE", true) })
	} else {
		card(func(dst []byte) { putCardString(dst, "XTENSION", "IMAGE") })
	}
	card(func(dst []byte) { putCardInt(dst, "BITPIX", int64(depth)) })
	card(func(dst []byte) { putCardInt(dst, "NAXIS", int64(naxis)) })
	card(func(dst []byte) { putCardInt(dst, "NAXIS1", int64(img.Width)) })
	card(func(dst []byte) { putCardInt(dst, "NAXIS2", int64(img.Height)) })
	if color {
		card(func(dst []byte) { putCardInt(dst, "NAXIS3", int64(planes)) })
	}
	if !first {
		card(func(dst []byte) { putCardInt(dst, "PCOUNT", 0) })
		card(func(dst []byte) { putCardInt(dst, "GCOUNT", 1) })
	}

	maxOut := int64(math.MaxUint8)
	if depth == 16 {
		maxOut = math.MaxUint16
		card(func(dst []byte) { putCardInt(dst, "BZERO", unsignedBias) })
	}
	if !color {
		card(func(dst []byte) { putCardInt(dst, "DATAMIN", 0) })
		card(func(dst []byte) { putCardInt(dst, "DATAMAX", maxOut) })
	} else {
		card(func(dst []byte) { putCardString(dst, "CTYPE3", "RGB") })
	}
	card(func(dst []byte) { putCardBare(dst, "END") })
	hdr = padBlock(hdr, ' ')

	order := fitsPlaneOrder[img.Format]
	body := make([]byte, 0, img.Width*img.Height*planes*depth/8)
	for p := 0; p < planes; p++ {
		src := p
		if color {
			src = order[p]
		}
		for row := img.Height - 1; row >= 0; row-- {
			for x := 0; x < img.Width; x++ {
				i := row*img.Width + x
				if depth == 8 {
					body = append(body, img.Pix8[src][i])
				} else {
					body = binary.BigEndian.AppendUint16(body, img.Pix16[src][i]-unsignedBias)
				}
			}
		}
	}
	body = padBlock(body, 0)
	return append(hdr, body...), nil
}

// padBlock extends b with fill bytes up to the next block boundary.
func padBlock(b []byte, fill byte) []byte {
	for len(b)%BlockSize != 0 {
		b = append(b, fill)
	}
	return b
}

// Encoder writes a sequence of images to a single FITS stream. The first
// image becomes the primary HDU, the rest IMAGE extensions.
type Encoder struct {
	w     io.Writer
	wrote bool
}

// NewEncoder returns an Encoder targeting w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode appends img to the stream.
func (e *Encoder) Encode(img *Image) error {
	block, err := EncodeBlock(img, !e.wrote)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(block); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	e.wrote = true
	return nil
}
