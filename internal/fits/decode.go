package fits

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeOptions tunes sample decoding.
type DecodeOptions struct {
	// BlankValue is the output sample substituted for pixels that match the
	// header BLANK sentinel. It is interpreted at the output bit depth, so
	// for 8-bit output only the low byte is used.
	BlankValue uint16
}

// sampleFormat describes how raw samples of one BITPIX are read off the
// wire. Integer formats populate readInt, floating formats readFloat.
type sampleFormat struct {
	width     int
	float     bool
	readInt   func(b []byte) int64
	readFloat func(b []byte) float64
}

func formatFor(bitpix int) (sampleFormat, error) {
	switch bitpix {
	case 8:
		return sampleFormat{width: 1, readInt: func(b []byte) int64 { return int64(b[0]) }}, nil
	case 16:
		return sampleFormat{width: 2, readInt: func(b []byte) int64 { return int64(int16(binary.BigEndian.Uint16(b))) }}, nil
	case 32:
		return sampleFormat{width: 4, readInt: func(b []byte) int64 { return int64(int32(binary.BigEndian.Uint32(b))) }}, nil
	case 64:
		return sampleFormat{width: 8, readInt: func(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }}, nil
	case -32:
		return sampleFormat{width: 4, float: true, readFloat: func(b []byte) float64 {
			return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		}}, nil
	case -64:
		return sampleFormat{width: 8, float: true, readFloat: func(b []byte) float64 {
			return math.Float64frombits(binary.BigEndian.Uint64(b))
		}}, nil
	}
	return sampleFormat{}, fmt.Errorf("%w: BITPIX %d", ErrInvalidData, bitpix)
}

// readSample returns the physical value at b after applying the linear
// scaling, plus whether the raw sample matched the BLANK sentinel.
func (sf sampleFormat) readSample(b []byte, h *Header) (float64, bool) {
	if sf.float {
		return sf.readFloat(b)*h.BScale + h.BZero, false
	}
	raw := sf.readInt(b)
	if h.BlankFound && raw == h.Blank {
		return 0, true
	}
	return float64(raw)*h.BScale + h.BZero, false
}

// dataRange determines the physical min and max used for grayscale
// normalization. Header DATAMIN/DATAMAX are trusted when both are present;
// otherwise the payload is scanned, skipping BLANK pixels.
func dataRange(h *Header, payload []byte, sf sampleFormat, count int) (float64, float64, error) {
	if h.DataMinFound && h.DataMaxFound {
		return h.DataMin, h.DataMax, nil
	}
	min, max := math.Inf(1), math.Inf(-1)
	seen := false
	for i := 0; i < count; i++ {
		v, blank := sf.readSample(payload[i*sf.width:], h)
		if blank {
			continue
		}
		seen = true
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if !seen {
		return 0, 0, fmt.Errorf("%w: all pixels match BLANK", ErrInvalidData)
	}
	return min, max, nil
}

// DecodeImage converts a data payload into a raster using the geometry and
// scaling recorded in h. Grayscale data is normalized to the full output
// range; color data is passed through after linear scaling. Rows are stored
// bottom-up in the payload and come back top-down.
func DecodeImage(h *Header, payload []byte, opts DecodeOptions) (*Image, error) {
	geo, err := h.Geometry()
	if err != nil {
		return nil, err
	}
	if !geo.Image {
		return nil, fmt.Errorf("%w: frame carries no displayable image", ErrInvalidData)
	}
	if int64(len(payload)) < geo.DataBytes {
		return nil, fmt.Errorf("%w: payload %d bytes, need %d", ErrTruncated, len(payload), geo.DataBytes)
	}
	sf, err := formatFor(h.Bitpix)
	if err != nil {
		return nil, err
	}
	width := h.NaxisN[0]
	height := h.NaxisN[1]
	if h.RGB {
		return decodeColor(h, payload, sf, width, height, opts)
	}
	if h.Naxis != 2 {
		return nil, fmt.Errorf("%w: NAXIS %d without CTYPE3 = RGB", ErrInvalidData, h.Naxis)
	}
	return decodeGray(h, payload, sf, width, height, opts)
}

func decodeGray(h *Header, payload []byte, sf sampleFormat, width, height int, opts DecodeOptions) (*Image, error) {
	dataMin, dataMax, err := dataRange(h, payload, sf, width*height)
	if err != nil {
		return nil, err
	}
	if dataMax == dataMin {
		return nil, fmt.Errorf("%w: constant data, DATAMIN equals DATAMAX", ErrInvalidData)
	}

	format := FormatGray16
	maxOut := float64(math.MaxUint16)
	if h.Bitpix == 8 {
		format = FormatGray8
		maxOut = float64(math.MaxUint8)
	}
	img := NewRaster(width, height, format)
	img.Meta = h.Meta
	scale := maxOut / (dataMax - dataMin)

	for src := 0; src < height; src++ {
		dst := height - 1 - src
		for x := 0; x < width; x++ {
			v, blank := sf.readSample(payload[(src*width+x)*sf.width:], h)
			var out uint16
			if blank {
				out = opts.BlankValue
			} else {
				n := (v - dataMin) * scale
				if n < 0 {
					n = 0
				} else if n > maxOut {
					n = maxOut
				}
				out = uint16(n)
			}
			if format == FormatGray8 {
				img.Pix8[0][dst*width+x] = uint8(out)
			} else {
				img.Pix16[0][dst*width+x] = out
			}
		}
	}
	return img, nil
}

func decodeColor(h *Header, payload []byte, sf sampleFormat, width, height int, opts DecodeOptions) (*Image, error) {
	if sf.float || (h.Bitpix != 8 && h.Bitpix != 16) {
		return nil, fmt.Errorf("%w: BITPIX %d color image", ErrInvalidData, h.Bitpix)
	}
	planes := h.NaxisN[2]
	var format PixelFormat
	switch {
	case h.Bitpix == 8 && planes == 3:
		format = FormatRGB8
	case h.Bitpix == 8 && planes == 4:
		format = FormatRGBA8
	case planes == 3:
		format = FormatRGB16
	default:
		format = FormatRGBA16
	}
	img := NewRaster(width, height, format)
	img.Meta = h.Meta
	order := fitsPlaneOrder[format]

	planeBytes := width * height * sf.width
	for p := 0; p < planes; p++ {
		dstPlane := order[p]
		base := p * planeBytes
		for src := 0; src < height; src++ {
			dst := height - 1 - src
			for x := 0; x < width; x++ {
				v, blank := sf.readSample(payload[base+(src*width+x)*sf.width:], h)
				var out uint16
				if blank {
					out = opts.BlankValue
				} else {
					if v < 0 {
						v = 0
					}
					limit := float64(math.MaxUint16)
					if format.BitDepth() == 8 {
						limit = float64(math.MaxUint8)
					}
					if v > limit {
						v = limit
					}
					out = uint16(v)
				}
				if format.BitDepth() == 8 {
					img.Pix8[dstPlane][dst*width+x] = uint8(out)
				} else {
					img.Pix16[dstPlane][dst*width+x] = out
				}
			}
		}
	}
	return img, nil
}

// DecodeBlock parses a complete frame (header plus payload) from block and
// decodes its image. first marks the primary HDU.
func DecodeBlock(block []byte, first bool, opts DecodeOptions) (*Image, error) {
	h, err := ParseHeader(block, first)
	if err != nil {
		return nil, err
	}
	geo, err := h.Geometry()
	if err != nil {
		return nil, err
	}
	if int64(len(block)) < geo.HeaderBytes+geo.DataBytes {
		return nil, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrTruncated, geo.HeaderBytes+geo.DataBytes, len(block))
	}
	return DecodeImage(h, block[geo.HeaderBytes:], opts)
}
