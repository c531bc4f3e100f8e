package seekable

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Writer is the streaming encoder: an io.WriteCloser that transparently
// splits its input into zstd frames bounded by a configured decompressed
// size and assembles a seek table in lock-step.
type Writer interface {
	io.WriteCloser

	// WriteSeekTableTo serializes the seek table built so far in the
	// configured Format and writes it to dst. Valid only after Close,
	// and primarily useful with WithWriteSeekTable(false), where the main
	// sink never receives the table (enabling a standalone FormatHead
	// side file).
	WriteSeekTableTo(dst io.Writer) error
}

type writerImpl struct {
	w   io.Writer
	enc *zstd.Encoder

	o writerOptions

	table *SeekTable

	// pending accumulates bytes for the frame currently being assembled;
	// it never exceeds o.maxFrameSize. Write closes the frame as soon as
	// pending reaches that size; a remainder below it stays pending until
	// a later Write or Close.
	pending []byte

	finished atomic.Bool
	once     sync.Once
}

// NewWriter returns a Writer that compresses everything written to it and
// forwards the result (plus, by default, a trailing seek table) to w.
func NewWriter(w io.Writer, opts ...WOption) (Writer, error) {
	sw := &writerImpl{
		w:     w,
		table: NewSeekTable(),
	}
	sw.o.setDefault()
	for _, opt := range opts {
		if err := opt(&sw.o); err != nil {
			return nil, err
		}
	}

	if sw.o.maxFrameSize < minRecommendedFrameSize {
		sw.o.logger.Warn("max frame size is below the recommended minimum",
			zap.Uint32("maxFrameSize", sw.o.maxFrameSize),
			zap.Uint32("recommendedMinimum", minRecommendedFrameSize))
	}

	enc, err := zstd.NewWriter(nil, sw.o.zstdOpts...)
	if err != nil {
		return nil, &CodecError{Op: "NewWriter", Err: err}
	}
	sw.enc = enc

	return sw, nil
}

func (s *writerImpl) Write(src []byte) (int, error) {
	if s.finished.Load() {
		return 0, ErrAlreadyFinished
	}

	total := len(src)
	for len(src) > 0 {
		room := int(s.o.maxFrameSize) - len(s.pending)
		take := len(src)
		if take > room {
			take = room
		}
		s.pending = append(s.pending, src[:take]...)
		src = src[take:]

		if len(s.pending) >= int(s.o.maxFrameSize) {
			if err := s.closeFrame(); err != nil {
				return total - len(src), err
			}
		}
	}
	return total, nil
}

// closeFrame compresses whatever is in s.pending as one complete zstd
// frame, writes it to the sink, and records it in the seek table. It is a
// no-op when nothing is pending, so calling it at Close time for a stream
// that ended exactly on a frame boundary does not emit a spurious empty
// frame — but a frame that exactly fills the threshold (the
// "epilogue-aligned close" case from the testable properties) always does
// get closed and recorded here, since the len(pending) >= maxFrameSize
// check in Write fires on equality, not only on overflow.
func (s *writerImpl) closeFrame() error {
	if len(s.pending) == 0 {
		return nil
	}
	if len(s.pending) > MaxFrameEntrySize {
		return fmt.Errorf("%w: decompressed frame size %d", ErrFrameTooLarge, len(s.pending))
	}

	dst := s.enc.EncodeAll(s.pending, nil)
	if len(dst) > MaxFrameEntrySize {
		return fmt.Errorf("%w: compressed frame size %d", ErrFrameTooLarge, len(dst))
	}

	entry := SeekTableEntry{
		CompressedSize:   uint32(len(dst)),
		DecompressedSize: uint32(len(s.pending)),
	}
	s.o.logger.Debug("closing frame", zap.Object("frame", &entry))
	s.table.Append(entry)
	s.pending = s.pending[:0]

	_, err := s.w.Write(dst)
	return err
}

func (s *writerImpl) Close() (err error) {
	s.once.Do(func() {
		err = multierr.Append(err, s.closeFrame())
		s.finished.Store(true)

		if s.o.writeSeekTable {
			err = multierr.Append(err, s.writeSeekTableTo(s.w))
		}

		err = multierr.Append(err, closeEncoder(s.enc))
	})
	return
}

func closeEncoder(enc *zstd.Encoder) error {
	if err := enc.Close(); err != nil {
		return &CodecError{Op: "Close", Err: err}
	}
	return nil
}

// WriteSeekTableTo serializes and writes the seek table built so far to
// dst; see the Writer interface doc for when this is useful.
func (s *writerImpl) WriteSeekTableTo(dst io.Writer) error {
	if !s.finished.Load() {
		return fmt.Errorf("seekable: WriteSeekTableTo called before Close")
	}
	return s.writeSeekTableTo(dst)
}

func (s *writerImpl) writeSeekTableTo(dst io.Writer) error {
	if s.table.NumFrames() > MaxNumberOfFrames {
		return fmt.Errorf("%w: %d", ErrTooManyFrames, s.table.NumFrames())
	}

	frame, err := s.table.Serialize(s.o.seekTableFormat)
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	_, err = dst.Write(frame)
	return err
}

var _ Writer = (*writerImpl)(nil)
