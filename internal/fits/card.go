package fits

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// CardLength is the fixed size of one ASCII header record.
	CardLength = 80
	// BlockSize is the physical alignment unit for headers and payloads.
	BlockSize = 2880
	// CardsPerBlock is the number of header records per physical block.
	CardsPerBlock = BlockSize / CardLength

	keywordLength = 8
	valueColumn   = 10
)

// Card is one decoded 80-byte header record. Value holds the raw value text:
// quoted strings keep both quotes, parenthesized values keep both parens.
type Card struct {
	Keyword  string
	Value    string
	HasValue bool
}

// ParseCard splits one 80-byte header record into keyword and value. A card
// carries a value iff byte 8 is '='. Shorter input is a truncation.
func ParseCard(line []byte) (Card, error) {
	if len(line) < CardLength {
		return Card{}, fmt.Errorf("%w: header card is %d bytes", ErrTruncated, len(line))
	}
	var card Card
	end := 0
	for end < keywordLength && line[end] != ' ' {
		end++
	}
	card.Keyword = string(line[:end])
	if line[keywordLength] != '=' {
		return card, nil
	}
	card.HasValue = true

	i := valueColumn
	for i < CardLength && line[i] == ' ' {
		i++
	}
	if i == CardLength {
		return card, nil
	}
	switch line[i] {
	case '\'':
		j := i + 1
		for j < CardLength && line[j] != '\'' {
			j++
		}
		if j < CardLength {
			j++ // closing quote belongs to the value
		}
		card.Value = string(line[i:j])
	case '(':
		j := i + 1
		for j < CardLength && line[j] != ')' {
			j++
		}
		if j < CardLength {
			j++
		}
		card.Value = string(line[i:j])
	default:
		j := i
		for j < CardLength && line[j] != ' ' && line[j] != '/' {
			j++
		}
		card.Value = string(line[i:j])
	}
	return card, nil
}

// Int interprets the card value as a signed integer.
func (c Card) Int() (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(c.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not an integer", ErrInvalidData, c.Keyword, c.Value)
	}
	return v, nil
}

// Float interprets the card value as a floating point number. Fortran-style
// D exponents are accepted.
func (c Card) Float() (float64, error) {
	s := strings.TrimSpace(c.Value)
	s = strings.Replace(s, "D", "E", 1)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not a number", ErrInvalidData, c.Keyword, c.Value)
	}
	return v, nil
}

// putCard fills dst with spaces and writes "KEYWORD = value". dst must be one
// card long.
func putCard(dst []byte, keyword, value string) {
	for i := range dst[:CardLength] {
		dst[i] = ' '
	}
	copy(dst, keyword)
	dst[keywordLength] = '='
	copy(dst[valueColumn:], value)
}

// putCardInt writes an integer-valued card in fixed format: the last digit
// lands in column 30.
func putCardInt(dst []byte, keyword string, value int64) {
	s := strconv.FormatInt(value, 10)
	if pad := 20 - len(s); pad > 0 {
		s = strings.Repeat(" ", pad) + s
	}
	putCard(dst, keyword, s)
}

// putCardString writes a string-valued card; FITS quotes the value and pads
// it to at least eight characters.
func putCardString(dst []byte, keyword, value string) {
	if len(value) < 8 {
		value += strings.Repeat(" ", 8-len(value))
	}
	putCard(dst, keyword, "'"+value+"'")
}

// putCardLogical writes a T/F card with the letter right-justified at column
// 30 as the standard fixed format requires.
func putCardLogical(dst []byte, keyword string, value bool) {
	putCard(dst, keyword, "")
	if value {
		dst[29] = 'T'
	} else {
		dst[29] = 'F'
	}
}

// putCardBare writes a keyword-only card such as END.
func putCardBare(dst []byte, keyword string) {
	for i := range dst[:CardLength] {
		dst[i] = ' '
	}
	copy(dst, keyword)
}
