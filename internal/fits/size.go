package fits

import (
	"fmt"
	"math"
)

// Geometry is the byte extent of one logical block as derived from its
// header.
type Geometry struct {
	// HeaderBytes is the header size padded to a whole number of blocks.
	HeaderBytes int64
	// DataBytes is the exact payload size before padding.
	DataBytes int64
	// PaddedDataBytes is the payload size padded to the block boundary.
	PaddedDataBytes int64
	// Image is true when the block carries a decodable raster: the primary
	// block or an IMAGE extension, not a groups record, with a non-empty
	// payload.
	Image bool
}

// Total is the size of the whole block, header included. It is the unit a
// stream iterator reads or skips per logical frame.
func (g Geometry) Total() int64 {
	return g.HeaderBytes + g.PaddedDataBytes
}

func mulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, fmt.Errorf("%w: payload size overflows", ErrInvalidData)
	}
	return a * b, nil
}

func addInt64(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: payload size overflows", ErrInvalidData)
	}
	return a + b, nil
}

func padToBlock(n int64) (int64, error) {
	if n > math.MaxInt64-(BlockSize-1) {
		return 0, fmt.Errorf("%w: payload size overflows", ErrInvalidData)
	}
	return (n + BlockSize - 1) / BlockSize * BlockSize, nil
}

// Geometry computes the block's byte extent from a completely parsed header.
// Every multiplication is overflow-checked; a header describing more bytes
// than int64 can hold is invalid data, never a wrapped size.
func (h *Header) Geometry() (Geometry, error) {
	if !h.Complete() {
		return Geometry{}, fmt.Errorf("%w: header not complete", ErrInvalidData)
	}
	if h.PCount < 0 || h.GCount < 0 {
		return Geometry{}, fmt.Errorf("%w: negative PCOUNT or GCOUNT", ErrInvalidData)
	}
	var g Geometry
	headerBlocks := (int64(h.cardsRead) + CardsPerBlock - 1) / CardsPerBlock
	g.HeaderBytes = headerBlocks * BlockSize
	g.Image = h.Image

	var elems int64
	firstAxis := 0
	if h.Groups {
		// Random groups records skip the degenerate first axis and are
		// never displayable.
		g.Image = false
		firstAxis = 1
	}
	if h.Naxis > firstAxis {
		elems = 1
		for _, n := range h.NaxisN[firstAxis:] {
			var err error
			elems, err = mulInt64(elems, int64(n))
			if err != nil {
				return Geometry{}, err
			}
		}
	} else if !h.Groups {
		g.Image = false
	}

	elems, err := addInt64(elems, h.PCount)
	if err != nil {
		return Geometry{}, err
	}
	size, err := mulInt64(elems, int64(abs(h.Bitpix)/8))
	if err != nil {
		return Geometry{}, err
	}
	size, err = mulInt64(size, h.GCount)
	if err != nil {
		return Geometry{}, err
	}
	g.DataBytes = size
	if size == 0 {
		g.Image = false
		return g, nil
	}
	g.PaddedDataBytes, err = padToBlock(size)
	if err != nil {
		return Geometry{}, err
	}
	if _, err := addInt64(g.HeaderBytes, g.PaddedDataBytes); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
