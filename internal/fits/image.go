package fits

import (
	"fmt"
	"image"
	"image/color"
)

// PixelFormat identifies the in-memory layout of a decoded raster. Color
// formats are planar: one buffer per component.
type PixelFormat int

const (
	FormatGray8 PixelFormat = iota
	FormatGray16
	FormatRGB8
	FormatRGBA8
	FormatRGB16
	FormatRGBA16
)

// Planes reports the number of component planes for the format.
func (f PixelFormat) Planes() int {
	switch f {
	case FormatGray8, FormatGray16:
		return 1
	case FormatRGB8, FormatRGB16:
		return 3
	default:
		return 4
	}
}

// BitDepth reports the sample width in bits.
func (f PixelFormat) BitDepth() int {
	switch f {
	case FormatGray8, FormatRGB8, FormatRGBA8:
		return 8
	default:
		return 16
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatGray16:
		return "gray16"
	case FormatRGB8:
		return "rgb8"
	case FormatRGBA8:
		return "rgba8"
	case FormatRGB16:
		return "rgb16"
	case FormatRGBA16:
		return "rgba16"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// fitsPlaneOrder maps each stored FITS plane (disk order is R,G,B[,A]) to
// the image plane index it occupies for a given pixel format. The table is
// the single authority for plane permutation on both the decode and encode
// paths.
var fitsPlaneOrder = map[PixelFormat][4]int{
	FormatRGB8:   {0, 1, 2, 3},
	FormatRGBA8:  {0, 1, 2, 3},
	FormatRGB16:  {0, 1, 2, 3},
	FormatRGBA16: {0, 1, 2, 3},
}

// Image is a decoded raster. Planes are stored row-major with the top scan
// line first; 8-bit formats populate Pix8, 16-bit formats populate Pix16.
type Image struct {
	Width  int
	Height int
	Format PixelFormat

	Pix8  [][]uint8
	Pix16 [][]uint16

	// Meta carries the keyword/value cards that rode along with the image.
	Meta Metadata
}

// NewRaster allocates an Image with zeroed planes.
func NewRaster(width, height int, format PixelFormat) *Image {
	img := &Image{Width: width, Height: height, Format: format}
	n := width * height
	if format.BitDepth() == 8 {
		img.Pix8 = make([][]uint8, format.Planes())
		for i := range img.Pix8 {
			img.Pix8[i] = make([]uint8, n)
		}
	} else {
		img.Pix16 = make([][]uint16, format.Planes())
		for i := range img.Pix16 {
			img.Pix16[i] = make([]uint16, n)
		}
	}
	return img
}

// ToImage converts the planar raster into a stdlib image. Three-plane color
// formats produce fully opaque alpha.
func (img *Image) ToImage() image.Image {
	r := image.Rect(0, 0, img.Width, img.Height)
	switch img.Format {
	case FormatGray8:
		out := image.NewGray(r)
		for y := 0; y < img.Height; y++ {
			copy(out.Pix[y*out.Stride:], img.Pix8[0][y*img.Width:(y+1)*img.Width])
		}
		return out
	case FormatGray16:
		out := image.NewGray16(r)
		for i, v := range img.Pix16[0] {
			out.Pix[2*i] = uint8(v >> 8)
			out.Pix[2*i+1] = uint8(v)
		}
		return out
	case FormatRGB8, FormatRGBA8:
		out := image.NewNRGBA(r)
		for i := 0; i < img.Width*img.Height; i++ {
			out.Pix[4*i] = img.Pix8[0][i]
			out.Pix[4*i+1] = img.Pix8[1][i]
			out.Pix[4*i+2] = img.Pix8[2][i]
			if img.Format == FormatRGBA8 {
				out.Pix[4*i+3] = img.Pix8[3][i]
			} else {
				out.Pix[4*i+3] = 0xFF
			}
		}
		return out
	default:
		out := image.NewNRGBA64(r)
		put := func(off int, v uint16) {
			out.Pix[off] = uint8(v >> 8)
			out.Pix[off+1] = uint8(v)
		}
		for i := 0; i < img.Width*img.Height; i++ {
			put(8*i, img.Pix16[0][i])
			put(8*i+2, img.Pix16[1][i])
			put(8*i+4, img.Pix16[2][i])
			if img.Format == FormatRGBA16 {
				put(8*i+6, img.Pix16[3][i])
			} else {
				put(8*i+6, 0xFFFF)
			}
		}
		return out
	}
}

// FromImage converts a stdlib image into a planar raster suitable for
// encoding. Gray and Gray16 map to the grayscale formats; everything else is
// rendered as 8-bit RGBA.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	switch s := src.(type) {
	case *image.Gray:
		img := NewRaster(w, h, FormatGray8)
		for y := 0; y < h; y++ {
			copy(img.Pix8[0][y*w:], s.Pix[y*s.Stride:y*s.Stride+w])
		}
		return img
	case *image.Gray16:
		img := NewRaster(w, h, FormatGray16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := y*s.Stride + 2*x
				img.Pix16[0][y*w+x] = uint16(s.Pix[off])<<8 | uint16(s.Pix[off+1])
			}
		}
		return img
	}
	img := NewRaster(w, h, FormatRGBA8)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			img.Pix8[0][i] = c.R
			img.Pix8[1][i] = c.G
			img.Pix8[2][i] = c.B
			img.Pix8[3][i] = c.A
			i++
		}
	}
	return img
}

// Metadata is an ordered keyword/value dictionary. Keys are unique; setting
// an existing key replaces its value in place. Lookup is order-independent,
// iteration follows insertion order.
type Metadata struct {
	keys   []string
	values map[string]string
}

// Set records or replaces the value for key.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key.
func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keywords in insertion order.
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len reports the number of entries.
func (m *Metadata) Len() int { return len(m.keys) }
