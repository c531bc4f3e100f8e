package seekable

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/zseekfmt/zseekfmt/internal/source"
)

// Reader is the random-access decoder: an io.Seeker/io.Reader/io.ReaderAt
// over the logical decompressed stream, restricted to a configurable
// (lower_frame, upper_frame) or (offset, offset_limit) window.
type Reader interface {
	// Seek implements io.Seeker to reposition within the current window.
	// Not goroutine-safe: it mutates the cursor.
	Seek(offset int64, whence int) (int64, error)

	// Read implements io.Reader, advancing the cursor. Not goroutine-safe.
	Read(p []byte) (n int, err error)

	// ReadAt implements io.ReaderAt: an absolute, cursor-independent read.
	// Safe for concurrent use only if the underlying Source is.
	ReadAt(p []byte, off int64) (n int, err error)

	// SetFrameWindow restricts subsequent reads to frames [lower, upper]
	// and resets the cursor to the window's start, the offset limit to
	// its end.
	SetFrameWindow(lower, upper int64) error

	// SetOffsetLimit caps the decompressed offset subsequent reads may
	// reach, independent of the frame window, as long as it stays within
	// [current offset, end of upper frame].
	SetOffsetLimit(limit int64) error

	// Close releases the underlying zstd decoder context.
	Close() error
}

var (
	_ io.Seeker   = (*readerImpl)(nil)
	_ io.Reader   = (*readerImpl)(nil)
	_ io.ReaderAt = (*readerImpl)(nil)
	_ io.Closer   = (*readerImpl)(nil)
)

// cachedFrame holds the most recently decompressed frame, keyed by its
// decompressed start offset, so that back-to-back small reads landing in
// the same frame don't re-run the codec.
type cachedFrame struct {
	m sync.Mutex

	valid  bool
	offset uint64
	data   []byte
}

func (f *cachedFrame) get(offset uint64) (data []byte, ok bool) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.valid && f.offset == offset {
		return f.data, true
	}
	return nil, false
}

func (f *cachedFrame) replace(offset uint64, data []byte) {
	f.m.Lock()
	defer f.m.Unlock()
	f.valid = true
	f.offset = offset
	f.data = data
}

func (f *cachedFrame) clear() {
	f.m.Lock()
	defer f.m.Unlock()
	f.valid = false
	f.data = nil
}

type readerImpl struct {
	src   source.Source
	table *SeekTable
	index *btree.BTreeG[*FrameOffsetEntry]
	dec   *zstd.Decoder

	o readerOptions

	lowerFrame, upperFrame int64
	offset, offsetLimit    int64

	cache  cachedFrame
	closed atomic.Bool
}

// NewReader builds a Reader over src, a seekable zstd archive whose seek
// table is discovered via Parse in the given Format (FormatFoot by
// default). To decode a stream whose seek table lives in a separate
// FormatHead side file, parse that file's table yourself and pass it via
// WithSeekTable; src then only needs to contain the compressed frames.
func NewReader(src source.Source, opts ...ROption) (Reader, error) {
	var o readerOptions
	o.setDefault()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	table := o.table
	if table == nil {
		var err error
		table, err = Parse(src, o.seekTableFormat, WithTableLogger(o.logger))
		if err != nil {
			return nil, err
		}
	}

	dec, err := zstd.NewReader(nil, o.zstdDOpts...)
	if err != nil {
		return nil, &CodecError{Op: "NewReader", Err: err}
	}

	r := &readerImpl{
		src:         src,
		table:       table,
		index:       buildFrameIndex(table),
		dec:         dec,
		o:           o,
		upperFrame:  table.NumFrames() - 1,
		offsetLimit: int64(table.SizeDecompressed()),
	}
	if table.NumFrames() == 0 {
		r.upperFrame = -1
	}
	return r, nil
}

func (r *readerImpl) SetFrameWindow(lower, upper int64) error {
	n := r.table.NumFrames()
	if lower < 0 || upper < lower || upper >= n {
		return fmt.Errorf("%w: frame window [%d,%d] invalid for %d frames", ErrOutOfRange, lower, upper, n)
	}
	r.lowerFrame, r.upperFrame = lower, upper
	start, _ := r.table.StartDecompressed(lower)
	end, _ := r.table.StartDecompressed(upper + 1)
	r.offset, r.offsetLimit = int64(start), int64(end)
	r.cache.clear()
	return nil
}

func (r *readerImpl) SetOffsetLimit(limit int64) error {
	upperEnd, _ := r.table.StartDecompressed(r.upperFrame + 1)
	if limit < r.offset || limit > int64(upperEnd) {
		return fmt.Errorf("%w: offset limit %d outside [%d,%d]", ErrOutOfRange, limit, r.offset, upperEnd)
	}
	r.offsetLimit = limit
	return nil
}

func (r *readerImpl) Seek(offset int64, whence int) (int64, error) {
	newOffset := r.offset
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset += offset
	case io.SeekEnd:
		newOffset = r.offsetLimit + offset
	default:
		return 0, fmt.Errorf("seekable: unknown whence %d", whence)
	}

	lowerStart, _ := r.table.StartDecompressed(r.lowerFrame)
	if newOffset < int64(lowerStart) || newOffset > r.offsetLimit {
		return 0, fmt.Errorf("%w: seek target %d outside [%d,%d]", ErrOutOfRange, newOffset, lowerStart, r.offsetLimit)
	}

	r.offset = newOffset
	return r.offset, nil
}

func (r *readerImpl) Read(p []byte) (n int, err error) {
	// Keep going across frame boundaries until p is full or the window
	// ends; reaching the end after some bytes were copied is not an error.
	for n < len(p) {
		newOffset, m, rerr := r.read(p[n:], r.offset)
		if rerr != nil {
			if rerr == io.EOF && n > 0 {
				return n, nil
			}
			return n, rerr
		}
		r.offset = newOffset
		n += m
		if m == 0 {
			break
		}
	}
	return n, nil
}

func (r *readerImpl) ReadAt(p []byte, off int64) (n int, err error) {
	for m := 0; n < len(p) && err == nil; n += m {
		_, m, err = r.read(p[n:], off+int64(n))
	}
	return
}

// read decompresses (from cache, or fresh) whatever frame covers off and
// copies up to len(dst) bytes — capped by the frame's own end and by
// offsetLimit — starting at off, returning the next absolute offset.
func (r *readerImpl) read(dst []byte, off int64) (int64, int, error) {
	if r.closed.Load() {
		return 0, 0, ErrClosed
	}

	lowerStart, _ := r.table.StartDecompressed(r.lowerFrame)
	if off < int64(lowerStart) {
		return 0, 0, fmt.Errorf("%w: offset %d before window start %d", ErrOutOfRange, off, lowerStart)
	}
	if off >= r.offsetLimit {
		return 0, 0, io.EOF
	}

	idx := r.table.FrameIndexDecomp(uint64(off))
	if idx < r.lowerFrame || idx > r.upperFrame {
		return 0, 0, fmt.Errorf("%w: offset %d resolves to frame %d outside window [%d,%d]", ErrOutOfRange, off, idx, r.lowerFrame, r.upperFrame)
	}

	entry, ok := r.frameAtOffset(uint64(off))
	if !ok {
		return 0, 0, fmt.Errorf("%w: no frame at index %d", ErrFormat, idx)
	}

	decompressed, ok := r.cache.get(entry.DecompOffset)
	if !ok {
		if entry.CompSize > maxDecoderFrameSize {
			return 0, 0, fmt.Errorf("%w: frame %d compressed size %d exceeds %d", ErrFrameTooLarge, idx, entry.CompSize, maxDecoderFrameSize)
		}

		src := make([]byte, entry.CompSize)
		if _, err := r.src.ReadAt(src, int64(entry.CompOffset)); err != nil {
			return 0, 0, fmt.Errorf("%w: reading frame %d at %d: %v", ErrUnexpectedEOF, idx, entry.CompOffset, err)
		}

		var err error
		decompressed, err = r.dec.DecodeAll(src, nil)
		if err != nil {
			return 0, 0, &CodecError{Op: "DecodeAll", Err: err}
		}
		if uint32(len(decompressed)) != entry.DecompSize {
			return 0, 0, fmt.Errorf("%w: frame %d decompressed to %d bytes, seek table says %d", ErrFormat, idx, len(decompressed), entry.DecompSize)
		}
		r.cache.replace(entry.DecompOffset, decompressed)
	}

	offsetWithinFrame := uint64(off) - entry.DecompOffset
	remaining := uint64(len(decompressed)) - offsetWithinFrame
	if limit := uint64(r.offsetLimit - off); limit < remaining {
		remaining = limit
	}
	size := remaining
	if size > uint64(len(dst)) {
		size = uint64(len(dst))
	}

	r.o.logger.Debug("decoded frame read",
		zap.Int64("frame", idx),
		zap.Uint64("offsetWithinFrame", offsetWithinFrame),
		zap.Uint64("size", size))

	copy(dst, decompressed[offsetWithinFrame:offsetWithinFrame+size])
	return off + int64(size), int(size), nil
}

// frameAtOffset finds the frame covering a decompressed offset in
// O(log N) via the btree, rather than a linear scan.
func (r *readerImpl) frameAtOffset(off uint64) (found FrameOffsetEntry, ok bool) {
	r.index.DescendLessOrEqual(&FrameOffsetEntry{DecompOffset: off}, func(e *FrameOffsetEntry) bool {
		found, ok = *e, true
		return false
	})
	return
}

func (r *readerImpl) Close() error {
	if r.closed.CAS(false, true) {
		r.cache.clear()
		r.index = nil
		return closeZstdReader(r.dec)
	}
	return nil
}

func closeZstdReader(dec *zstd.Decoder) error {
	dec.Close()
	return nil
}
