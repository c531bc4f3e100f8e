// Package source provides the seekable-source abstraction shared by the
// seek-table parser and the random-access decoder: a read-at-offset
// interface that both can position against a file, an in-memory buffer, or
// any io.ReaderAt-backed object, without requiring a real io.Seeker.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnknownSize is returned by Size when the underlying source cannot
// report its total length up front (e.g. a raw streaming reader). Parsing
// a seek table or constructing a decoder requires a known size, so callers
// that receive this error must not proceed into random-access mode.
var ErrUnknownSize = errors.New("source: size is unknown")

// Source is a read-with-absolute-position interface. Implementations must
// support reading N bytes starting at an offset measured from either the
// start or the end of the underlying data, and repositioning without
// reading.
type Source interface {
	// ReadAt reads len(p) bytes into p starting fromStart bytes from the
	// beginning of the source. It loops internally until p is full or the
	// source is exhausted, and only returns a short read together with an
	// error (io.EOF or otherwise) — never a silent short read, mirroring
	// io.ReaderAt's contract.
	ReadAt(p []byte, fromStart int64) (int, error)

	// ReadAtEnd reads len(p) bytes ending fromEnd bytes before the end of
	// the source (fromEnd == 0 means the read ends exactly at EOF and
	// covers the last len(p) bytes; fromEnd == k leaves the last k bytes
	// unread).
	// It has the same full-or-error contract as ReadAt.
	ReadAtEnd(p []byte, fromEnd int64) (int, error)

	// Size returns the total length of the source, or ErrUnknownSize if
	// it cannot be determined (e.g. an unbounded stream). Seek-table
	// parsing and decoding both require a known size.
	Size() (int64, error)
}

// readFull loops a single-shot reader until buf is full, err != nil, or a
// read returns 0 bytes — the partial-fill-robustness contract every Source
// implementation below relies on. A reader that returns a positive but
// short count on every call must still eventually fill buf correctly.
func readFull(read func(p []byte) (int, error), buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := read(buf[n:])
		if m > 0 {
			n += m
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

// FileSource adapts an *os.File (or anything with the same ReadAt/Stat
// shape) to Source.
type FileSource struct {
	f *os.File
}

// NewFileSource wraps f. The file is not closed by this package; the
// caller owns its lifecycle.
func NewFileSource(f *os.File) *FileSource {
	return &FileSource{f: f}
}

func (s *FileSource) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("source: stat: %w", err)
	}
	return fi.Size(), nil
}

func (s *FileSource) ReadAt(p []byte, fromStart int64) (int, error) {
	return readFull(func(b []byte) (int, error) {
		n, err := s.f.ReadAt(b, fromStart+int64(len(p)-len(b)))
		return n, err
	}, p)
}

func (s *FileSource) ReadAtEnd(p []byte, fromEnd int64) (int, error) {
	size, err := s.Size()
	if err != nil {
		return 0, err
	}
	start := size - fromEnd - int64(len(p))
	if start < 0 {
		return 0, fmt.Errorf("source: read before start of file: %d", start)
	}
	return s.ReadAt(p, start)
}

// BytesSource adapts an in-memory byte slice to Source. Useful for tests
// and for small archives that are fully buffered already.
type BytesSource struct {
	buf []byte
}

func NewBytesSource(buf []byte) *BytesSource {
	return &BytesSource{buf: buf}
}

func (s *BytesSource) Size() (int64, error) {
	return int64(len(s.buf)), nil
}

func (s *BytesSource) ReadAt(p []byte, fromStart int64) (int, error) {
	if fromStart < 0 || fromStart > int64(len(s.buf)) {
		return 0, fmt.Errorf("source: offset out of range: %d", fromStart)
	}
	n := copy(p, s.buf[fromStart:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (s *BytesSource) ReadAtEnd(p []byte, fromEnd int64) (int, error) {
	start := int64(len(s.buf)) - fromEnd - int64(len(p))
	if start < 0 {
		return 0, fmt.Errorf("source: read before start of buffer: %d", start)
	}
	return s.ReadAt(p, start)
}

// ReaderAtSource adapts any io.ReaderAt of known size to Source — the shim
// one would put in front of, say, an S3 GetObject range request.
type ReaderAtSource struct {
	ra   io.ReaderAt
	size int64
}

func NewReaderAtSource(ra io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{ra: ra, size: size}
}

func (s *ReaderAtSource) Size() (int64, error) {
	return s.size, nil
}

func (s *ReaderAtSource) ReadAt(p []byte, fromStart int64) (int, error) {
	return readFull(func(b []byte) (int, error) {
		return s.ra.ReadAt(b, fromStart+int64(len(p)-len(b)))
	}, p)
}

func (s *ReaderAtSource) ReadAtEnd(p []byte, fromEnd int64) (int, error) {
	start := s.size - fromEnd - int64(len(p))
	if start < 0 {
		return 0, fmt.Errorf("source: read before start of source: %d", start)
	}
	return s.ReadAt(p, start)
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*BytesSource)(nil)
	_ Source = (*ReaderAtSource)(nil)
)
