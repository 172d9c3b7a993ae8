package fits

import (
	"fmt"
	"strconv"
	"strings"

	"example.com/fitsgate/internal/common"
)

type parseState int

const (
	stateSimple parseState = iota
	stateXtension
	stateBitpix
	stateNaxis
	stateNaxisN
	statePcount
	stateGcount
	stateRest
	stateEnd
)

const maxAxes = 999

// Header accumulates the card sequence of one logical FITS block. A Header is
// built fresh per block and discarded after the block's payload is decoded;
// it holds no state shared across blocks.
type Header struct {
	state      parseState
	naxisIndex int
	cardsRead  int

	// Extension is true when the block opened with XTENSION, false for the
	// primary SIMPLE block.
	Extension bool
	// Image marks the block as a display candidate: the primary block or an
	// XTENSION whose value begins with 'IMAGE. Groups records and empty
	// payloads are weeded out later by Geometry.
	Image  bool
	Bitpix int
	Naxis  int
	// NaxisN holds the axis lengths in storage order: NaxisN[0] is the
	// fastest-varying axis (width), NaxisN[1] the height, NaxisN[2] the
	// color plane count when present.
	NaxisN []int

	PCount int64
	GCount int64
	Groups bool
	RGB    bool

	Blank      int64
	BlankFound bool
	BScale     float64
	BZero      float64

	DataMin      float64
	DataMax      float64
	DataMinFound bool
	DataMaxFound bool

	// Meta collects every valued card past the mandatory prefix, keyed by
	// keyword with insertion order preserved.
	Meta Metadata

	// Warnings records non-fatal advisories raised while parsing.
	Warnings []string
}

// NewHeader prepares a Header for the next block. first selects whether the
// leading card must be SIMPLE (first block of a stream) or XTENSION.
func NewHeader(first bool) *Header {
	h := &Header{BScale: 1, GCount: 1}
	if first {
		h.state = stateSimple
	} else {
		h.state = stateXtension
	}
	return h
}

// CardsRead reports how many cards this header has consumed so far.
func (h *Header) CardsRead() int { return h.cardsRead }

// Complete reports whether the END card has been seen.
func (h *Header) Complete() bool { return h.state == stateEnd }

func (h *Header) warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	h.Warnings = append(h.Warnings, msg)
	common.Logf("header warning: %s", msg)
}

// ParseLine consumes exactly one 80-byte card and advances the state
// machine. It returns true once the END card has been processed. Any
// keyword-order violation or out-of-domain value fails the whole block.
func (h *Header) ParseLine(line []byte) (bool, error) {
	if h.state == stateEnd {
		return true, nil
	}
	card, err := ParseCard(line)
	if err != nil {
		return false, err
	}
	h.cardsRead++

	switch h.state {
	case stateSimple:
		if card.Keyword != "SIMPLE" {
			return false, fmt.Errorf("%w: missing SIMPLE keyword", ErrInvalidData)
		}
		switch card.Value {
		case "T":
		case "F":
			h.warnf("SIMPLE = F: not a standard FITS file")
		default:
			return false, fmt.Errorf("%w: invalid SIMPLE value %q", ErrInvalidData, card.Value)
		}
		h.Image = true
		h.state = stateBitpix

	case stateXtension:
		if card.Keyword != "XTENSION" {
			return false, fmt.Errorf("%w: missing XTENSION keyword", ErrInvalidData)
		}
		h.Extension = true
		if strings.HasPrefix(card.Value, "'IMAGE") {
			h.Image = true
		}
		h.state = stateBitpix

	case stateBitpix:
		if card.Keyword != "BITPIX" {
			return false, fmt.Errorf("%w: missing BITPIX keyword", ErrInvalidData)
		}
		v, err := card.Int()
		if err != nil {
			return false, err
		}
		switch v {
		case 8, 16, 32, 64, -32, -64:
			h.Bitpix = int(v)
		default:
			return false, fmt.Errorf("%w: unsupported BITPIX %d", ErrInvalidData, v)
		}
		h.state = stateNaxis

	case stateNaxis:
		if card.Keyword != "NAXIS" {
			return false, fmt.Errorf("%w: missing NAXIS keyword", ErrInvalidData)
		}
		v, err := card.Int()
		if err != nil {
			return false, err
		}
		if v < 0 || v > maxAxes {
			return false, fmt.Errorf("%w: NAXIS %d out of range", ErrInvalidData, v)
		}
		h.Naxis = int(v)
		switch {
		case h.Naxis > 0:
			h.NaxisN = make([]int, 0, h.Naxis)
			h.naxisIndex = 1
			h.state = stateNaxisN
		case h.Extension:
			h.state = statePcount
		default:
			return false, fmt.Errorf("%w: no image data", ErrInvalidData)
		}

	case stateNaxisN:
		want := "NAXIS" + strconv.Itoa(h.naxisIndex)
		if card.Keyword != want {
			return false, fmt.Errorf("%w: missing %s keyword", ErrInvalidData, want)
		}
		v, err := card.Int()
		if err != nil {
			return false, err
		}
		if v < 0 {
			return false, fmt.Errorf("%w: negative %s", ErrInvalidData, want)
		}
		h.NaxisN = append(h.NaxisN, int(v))
		if h.naxisIndex == h.Naxis {
			if h.Extension {
				h.state = statePcount
			} else {
				h.state = stateRest
			}
		} else {
			h.naxisIndex++
		}

	case statePcount:
		if card.Keyword != "PCOUNT" {
			return false, fmt.Errorf("%w: missing PCOUNT keyword", ErrInvalidData)
		}
		v, err := card.Int()
		if err != nil {
			return false, err
		}
		if h.Image && v != 0 {
			return false, fmt.Errorf("%w: PCOUNT %d in image extension", ErrInvalidData, v)
		}
		h.PCount = v
		h.state = stateGcount

	case stateGcount:
		if card.Keyword != "GCOUNT" {
			return false, fmt.Errorf("%w: missing GCOUNT keyword", ErrInvalidData)
		}
		v, err := card.Int()
		if err != nil {
			return false, err
		}
		if h.Image && v != 1 {
			return false, fmt.Errorf("%w: GCOUNT %d in image extension", ErrInvalidData, v)
		}
		h.GCount = v
		h.state = stateRest

	case stateRest:
		if card.Keyword == "END" && !card.HasValue {
			h.state = stateEnd
			return true, h.finalize()
		}
		if err := h.parseRest(card); err != nil {
			return false, err
		}
	}
	return false, nil
}

// parseRest handles the free-order cards between the mandatory prefix and
// END.
func (h *Header) parseRest(card Card) error {
	if !card.HasValue {
		// COMMENT, HISTORY and blank cards carry no value.
		return nil
	}
	switch card.Keyword {
	case "BLANK":
		v, err := card.Int()
		if err != nil {
			return err
		}
		if h.Bitpix < 0 {
			h.warnf("BLANK ignored for floating point samples")
		} else {
			h.Blank = v
			h.BlankFound = true
		}
	case "BSCALE":
		v, err := card.Float()
		if err != nil {
			return err
		}
		h.BScale = v
	case "BZERO":
		v, err := card.Float()
		if err != nil {
			return err
		}
		h.BZero = v
	case "CTYPE3":
		if strings.HasPrefix(card.Value, "'RGB") {
			h.RGB = true
		}
	case "DATAMIN":
		v, err := card.Float()
		if err != nil {
			return err
		}
		h.DataMin = v
		h.DataMinFound = true
	case "DATAMAX":
		v, err := card.Float()
		if err != nil {
			return err
		}
		h.DataMax = v
		h.DataMaxFound = true
	case "GROUPS":
		switch card.Value {
		case "T":
			h.Groups = true
		case "F":
			h.Groups = false
		default:
			return fmt.Errorf("%w: invalid GROUPS value %q", ErrInvalidData, card.Value)
		}
	case "PCOUNT":
		// Only primary blocks see PCOUNT here; extensions consumed it in
		// the mandatory prefix. The value sizes groups records.
		if !h.Extension {
			v, err := card.Int()
			if err != nil {
				return err
			}
			h.PCount = v
		}
	case "GCOUNT":
		if !h.Extension {
			v, err := card.Int()
			if err != nil {
				return err
			}
			h.GCount = v
		}
	}
	h.Meta.Set(card.Keyword, card.Value)
	return nil
}

// finalize checks the cross-card constraints once END is reached.
func (h *Header) finalize() error {
	if h.RGB {
		if h.Naxis != 3 {
			return fmt.Errorf("%w: CTYPE3 RGB with NAXIS %d", ErrInvalidData, h.Naxis)
		}
		if n := h.NaxisN[2]; n != 3 && n != 4 {
			return fmt.Errorf("%w: RGB plane count %d", ErrInvalidData, n)
		}
	}
	if h.Image && !h.Groups && h.Naxis > 0 {
		if h.Naxis != 2 && h.Naxis != 3 {
			return fmt.Errorf("%w: unsupported number of dimensions %d", ErrInvalidData, h.Naxis)
		}
	}
	return nil
}

// ParseHeader consumes header cards from the start of block until END,
// returning the finished header. first indicates the block is the first of
// its stream.
func ParseHeader(block []byte, first bool) (*Header, error) {
	h := NewHeader(first)
	for off := 0; ; off += CardLength {
		if off+CardLength > len(block) {
			return nil, fmt.Errorf("%w: header ends before END card", ErrTruncated)
		}
		done, err := h.ParseLine(block[off : off+CardLength])
		if err != nil {
			return nil, err
		}
		if done {
			return h, nil
		}
	}
}
