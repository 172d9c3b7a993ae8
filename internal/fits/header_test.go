package fits

import (
	"errors"
	"strings"
	"testing"
)

// headerBlock lays the cards out in order and pads the result to a full
// block with blank cards.
func headerBlock(cards ...string) []byte {
	var b []byte
	for _, c := range cards {
		b = append(b, cardLine(c)...)
	}
	for len(b)%BlockSize != 0 {
		b = append(b, cardLine("")...)
	}
	return b
}

func TestParseHeaderPrimary(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    2",
		"NAXIS1  =                  640",
		"NAXIS2  =                  480",
		"BZERO   =                32768",
		"OBSERVER= 'Hubble  '",
		"COMMENT free text is ignored",
		"END",
	)
	h, err := ParseHeader(block, true)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if h.Extension {
		t.Fatalf("primary block flagged as extension")
	}
	if !h.Image {
		t.Fatalf("primary block not flagged as image")
	}
	if h.Bitpix != 16 || h.Naxis != 2 {
		t.Fatalf("bitpix/naxis = %d/%d, want 16/2", h.Bitpix, h.Naxis)
	}
	if h.NaxisN[0] != 640 || h.NaxisN[1] != 480 {
		t.Fatalf("axes = %v, want [640 480]", h.NaxisN)
	}
	if h.BZero != 32768 {
		t.Fatalf("BZERO = %v, want 32768", h.BZero)
	}
	if v, ok := h.Meta.Get("OBSERVER"); !ok || v != "'Hubble  '" {
		t.Fatalf("OBSERVER = %q (%v)", v, ok)
	}
	if _, ok := h.Meta.Get("COMMENT"); ok {
		t.Fatalf("valueless COMMENT card landed in metadata")
	}
}

func TestParseHeaderImageExtension(t *testing.T) {
	block := headerBlock(
		"XTENSION= 'IMAGE   '",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                    4",
		"NAXIS2  =                    4",
		"PCOUNT  =                    0",
		"GCOUNT  =                    1",
		"END",
	)
	h, err := ParseHeader(block, false)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if !h.Extension || !h.Image {
		t.Fatalf("extension/image = %v/%v, want true/true", h.Extension, h.Image)
	}
}

func TestParseHeaderTableExtensionSkipped(t *testing.T) {
	block := headerBlock(
		"XTENSION= 'BINTABLE'",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                   12",
		"NAXIS2  =                   10",
		"PCOUNT  =                    0",
		"GCOUNT  =                    1",
		"END",
	)
	h, err := ParseHeader(block, false)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if h.Image {
		t.Fatalf("table extension flagged as image")
	}
	geo, err := h.Geometry()
	if err != nil {
		t.Fatalf("Geometry returned error: %v", err)
	}
	if geo.Image {
		t.Fatalf("table extension geometry flagged as image")
	}
	if geo.DataBytes != 120 {
		t.Fatalf("DataBytes = %d, want 120", geo.DataBytes)
	}
}

func TestParseHeaderOrderViolations(t *testing.T) {
	tests := []struct {
		name  string
		first bool
		cards []string
		frag  string
	}{
		{
			name:  "missing simple",
			first: true,
			cards: []string{"BITPIX  = 16"},
			frag:  "SIMPLE",
		},
		{
			name:  "missing bitpix",
			first: true,
			cards: []string{"SIMPLE  =                    T", "NAXIS   = 2"},
			frag:  "BITPIX",
		},
		{
			name:  "naxis2 replaced by end",
			first: true,
			cards: []string{
				"SIMPLE  =                    T",
				"BITPIX  =                    8",
				"NAXIS   =                    2",
				"NAXIS1  =                   10",
				"END",
			},
			frag: "NAXIS2",
		},
		{
			name:  "extension missing pcount",
			first: false,
			cards: []string{
				"XTENSION= 'IMAGE   '",
				"BITPIX  =                    8",
				"NAXIS   =                    2",
				"NAXIS1  =                    4",
				"NAXIS2  =                    4",
				"GCOUNT  =                    1",
			},
			frag: "PCOUNT",
		},
		{
			name:  "nonzero pcount in image extension",
			first: false,
			cards: []string{
				"XTENSION= 'IMAGE   '",
				"BITPIX  =                    8",
				"NAXIS   =                    2",
				"NAXIS1  =                    4",
				"NAXIS2  =                    4",
				"PCOUNT  =                    7",
			},
			frag: "PCOUNT",
		},
		{
			name:  "bad bitpix",
			first: true,
			cards: []string{"SIMPLE  =                    T", "BITPIX  =                   12"},
			frag:  "BITPIX",
		},
		{
			name:  "primary naxis zero",
			first: true,
			cards: []string{
				"SIMPLE  =                    T",
				"BITPIX  =                    8",
				"NAXIS   =                    0",
			},
			frag: "no image data",
		},
		{
			name:  "one axis",
			first: true,
			cards: []string{
				"SIMPLE  =                    T",
				"BITPIX  =                    8",
				"NAXIS   =                    1",
				"NAXIS1  =                   16",
				"END",
			},
			frag: "dimensions",
		},
		{
			name:  "four axes without color",
			first: true,
			cards: []string{
				"SIMPLE  =                    T",
				"BITPIX  =                    8",
				"NAXIS   =                    4",
				"NAXIS1  =                    4",
				"NAXIS2  =                    4",
				"NAXIS3  =                    2",
				"NAXIS4  =                    2",
				"END",
			},
			frag: "dimensions",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHeader(tc.first)
			var err error
			for _, c := range tc.cards {
				if _, err = h.ParseLine(cardLine(c)); err != nil {
					break
				}
			}
			if err == nil {
				t.Fatalf("expected parse error")
			}
			if !errors.Is(err, ErrInvalidData) {
				t.Fatalf("expected ErrInvalidData, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.frag) {
				t.Fatalf("error %q does not mention %q", err, tc.frag)
			}
		})
	}
}

func TestParseHeaderSimpleF(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    F",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"END",
	)
	h, err := ParseHeader(block, true)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if len(h.Warnings) == 0 {
		t.Fatalf("expected a warning for SIMPLE = F")
	}
	if !h.Image {
		t.Fatalf("SIMPLE = F block should still decode")
	}
}

func TestParseHeaderBlankOnFloat(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                  -32",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"BLANK   =                 -100",
		"END",
	)
	h, err := ParseHeader(block, true)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if h.BlankFound {
		t.Fatalf("BLANK recorded for floating point samples")
	}
	if len(h.Warnings) == 0 {
		t.Fatalf("expected a warning for BLANK on float data")
	}
}

func TestParseHeaderRGB(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    3",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"NAXIS3  =                    3",
		"CTYPE3  = 'RGB     '",
		"END",
	)
	h, err := ParseHeader(block, true)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if !h.RGB {
		t.Fatalf("CTYPE3 RGB not recognized")
	}
}

func TestParseHeaderRGBWrongPlanes(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    3",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"NAXIS3  =                    5",
		"CTYPE3  = 'RGB     '",
		"END",
	)
	if _, err := ParseHeader(block, true); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestParseHeaderGroups(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    3",
		"NAXIS1  =                    0",
		"NAXIS2  =                    4",
		"NAXIS3  =                    4",
		"GROUPS  =                    T",
		"PCOUNT  =                    2",
		"GCOUNT  =                    5",
		"END",
	)
	h, err := ParseHeader(block, true)
	if err != nil {
		t.Fatalf("ParseHeader returned error: %v", err)
	}
	if !h.Groups {
		t.Fatalf("GROUPS = T not recognized")
	}
	if h.PCount != 2 || h.GCount != 5 {
		t.Fatalf("pcount/gcount = %d/%d, want 2/5", h.PCount, h.GCount)
	}
	geo, err := h.Geometry()
	if err != nil {
		t.Fatalf("Geometry returned error: %v", err)
	}
	if geo.Image {
		t.Fatalf("groups record flagged as image")
	}
	// (4*4 + 2) elements, 2 bytes each, 5 groups.
	if geo.DataBytes != 180 {
		t.Fatalf("DataBytes = %d, want 180", geo.DataBytes)
	}
}

func TestParseHeaderTruncated(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
	)
	if _, err := ParseHeader(block, true); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
