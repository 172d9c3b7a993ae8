package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"example.com/fitsgate/internal/common"
)

// FrameIndex records where one HDU sits in the stream and what it holds.
type FrameIndex struct {
	Offset          int64
	HeaderBytes     int64
	DataBytes       int64
	PaddedDataBytes int64
	Bitpix          int
	Naxis           int
	Axes            []int
	Extension       bool
	Groups          bool
	RGB             bool
	Image           bool
	Warnings        []string
}

// FileIndex is the accumulated map of a scanned stream.
type FileIndex struct {
	Frames        []FrameIndex
	ImageFrames   int
	SkippedFrames int
}

// Scanner walks a FITS stream frame by frame, sizing and indexing each HDU.
// Non-image frames are indexed and skipped over rather than rejected.
type Scanner struct {
	source dataSource
	size   int64
	offset int64
	first  bool

	metrics *common.Metrics
	index   FileIndex

	header     *Header
	payloadOff int64
}

// NewScanner opens the file at path and prepares an iterator.
func NewScanner(path string) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	src := newBlockSource(f, info.Size(), minDataBlockSize)
	return &Scanner{source: src, size: src.Size(), first: true}, nil
}

// NewScannerBytes prepares an iterator over an in-memory stream.
func NewScannerBytes(data []byte) *Scanner {
	return &Scanner{source: &byteSource{data: data}, size: int64(len(data)), first: true}
}

// Close releases the underlying file handle.
func (s *Scanner) Close() error {
	if s.source == nil {
		return nil
	}
	err := s.source.Close()
	s.source = nil
	return err
}

// SetMetrics attaches a metrics recorder to the scanner.
func (s *Scanner) SetMetrics(m *common.Metrics) {
	s.metrics = m
	if s.metrics != nil {
		s.metrics.SetTotalBytes(s.size)
	}
}

// Index returns a copy of the accumulated frame index.
func (s *Scanner) Index() FileIndex {
	out := FileIndex{
		Frames:        make([]FrameIndex, len(s.index.Frames)),
		ImageFrames:   s.index.ImageFrames,
		SkippedFrames: s.index.SkippedFrames,
	}
	copy(out.Frames, s.index.Frames)
	return out
}

// Next advances to the next frame. It parses the header, computes the frame
// geometry, records it in the index and positions the scanner past the
// payload. It returns io.EOF at the end of the stream.
func (s *Scanner) Next() (*Header, FrameIndex, error) {
	if s.source == nil {
		return nil, FrameIndex{}, io.EOF
	}
	if s.offset >= s.size {
		return nil, FrameIndex{}, io.EOF
	}

	start := s.offset
	h := NewHeader(s.first)
	for !h.Complete() {
		block, err := sliceExact(s.source, start+int64(h.CardsRead())*CardLength, BlockSize)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, FrameIndex{}, fmt.Errorf("%w: header block at offset %d", ErrTruncated, s.offset)
			}
			return nil, FrameIndex{}, err
		}
		for len(block) >= CardLength && !h.Complete() {
			if _, err := h.ParseLine(block[:CardLength]); err != nil {
				return nil, FrameIndex{}, fmt.Errorf("frame at offset %d: %w", start, err)
			}
			block = block[CardLength:]
		}
	}
	s.first = false

	geo, err := h.Geometry()
	if err != nil {
		return nil, FrameIndex{}, fmt.Errorf("frame at offset %d: %w", start, err)
	}
	axes := make([]int, len(h.NaxisN))
	copy(axes, h.NaxisN)
	idx := FrameIndex{
		Offset:          start,
		HeaderBytes:     geo.HeaderBytes,
		DataBytes:       geo.DataBytes,
		PaddedDataBytes: geo.PaddedDataBytes,
		Bitpix:          h.Bitpix,
		Naxis:           h.Naxis,
		Axes:            axes,
		Extension:       h.Extension,
		Groups:          h.Groups,
		RGB:             h.RGB,
		Image:           geo.Image,
		Warnings:        h.Warnings,
	}

	next := start + geo.Total()
	if next > s.size {
		// The header is intact; only the payload is cut short.
		idx.Warnings = append(idx.Warnings, fmt.Sprintf("payload truncated: need %d bytes, have %d", geo.Total(), s.size-start))
		s.index.Frames = append(s.index.Frames, idx)
		return h, idx, fmt.Errorf("%w: payload at offset %d", ErrTruncated, start+geo.HeaderBytes)
	}

	s.header = h
	s.payloadOff = start + geo.HeaderBytes
	s.index.Frames = append(s.index.Frames, idx)
	if geo.Image {
		s.index.ImageFrames++
	} else {
		s.index.SkippedFrames++
		if s.metrics != nil {
			s.metrics.IncSkipped()
		}
		common.Logf("frame at offset %d carries no image, skipping %d payload bytes", start, geo.PaddedDataBytes)
	}
	if s.metrics != nil {
		s.metrics.AddFrame(geo.Total())
	}
	s.offset = next
	return h, idx, nil
}

// Payload returns the data payload of the frame most recently returned by
// Next, without the trailing block padding.
func (s *Scanner) Payload() ([]byte, error) {
	if s.header == nil {
		return nil, errors.New("no current frame")
	}
	geo, err := s.header.Geometry()
	if err != nil {
		return nil, err
	}
	if geo.DataBytes == 0 {
		return []byte{}, nil
	}
	buf, err := sliceExact(s.source, s.payloadOff, int(geo.DataBytes))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: payload at offset %d", ErrTruncated, s.payloadOff)
		}
		return nil, err
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// NextImage advances past any non-image frames and decodes the next image.
// It returns io.EOF once the stream holds no further images.
func (s *Scanner) NextImage(opts DecodeOptions) (*Image, error) {
	for {
		h, _, err := s.Next()
		if err != nil {
			return nil, err
		}
		geo, err := h.Geometry()
		if err != nil {
			return nil, err
		}
		if !geo.Image {
			continue
		}
		payload, err := s.Payload()
		if err != nil {
			return nil, err
		}
		return DecodeImage(h, payload, opts)
	}
}

// ScanFile walks the whole file and returns its frame index.
func ScanFile(path string) (FileIndex, error) {
	sc, err := NewScanner(path)
	if err != nil {
		return FileIndex{}, err
	}
	defer sc.Close()

	for {
		_, _, err := sc.Next()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return sc.Index(), err
	}
	return sc.Index(), nil
}

// Probe reports whether data looks like the start of a FITS stream.
func Probe(data []byte) bool {
	return bytes.HasPrefix(data, []byte("SIMPLE"))
}
