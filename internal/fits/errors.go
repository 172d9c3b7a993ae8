package fits

import "errors"

var (
	// ErrTruncated reports that fewer bytes were available than a card or
	// payload requires. At the true end of a stream this means "need more
	// data" rather than corruption.
	ErrTruncated = errors.New("truncated FITS input")

	// ErrInvalidData reports a keyword-order violation, an unparsable or
	// out-of-domain value, or an overflowing size computation.
	ErrInvalidData = errors.New("invalid FITS data")

	// ErrUnsupportedFormat reports a pixel configuration the encoder does
	// not support.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
)
