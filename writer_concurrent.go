package seekable

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FrameSource returns one pre-chunked frame of data at a time (e.g. from a
// content-defined chunker). A nil frame with a nil error signals the end of
// the stream.
type FrameSource func() ([]byte, error)

type writeManyOptions struct {
	concurrency int
	callback    func(decompressedSize uint32)
}

// WriteManyOption configures a single WriteMany call.
type WriteManyOption func(*writeManyOptions) error

// WithConcurrency caps the number of frames compressed in parallel. It
// defaults to runtime.GOMAXPROCS(0).
func WithConcurrency(n int) WriteManyOption {
	return func(o *writeManyOptions) error {
		if n <= 0 {
			return fmt.Errorf("seekable: concurrency must be positive, got %d", n)
		}
		o.concurrency = n
		return nil
	}
}

// WithWriteManyCallback is invoked with each frame's decompressed size as it
// lands in the seek table, in stream order. Useful for driving a progress
// indicator.
func WithWriteManyCallback(cb func(decompressedSize uint32)) WriteManyOption {
	return func(o *writeManyOptions) error { o.callback = cb; return nil }
}

// ConcurrentWriter additionally allows compressing many independently
// pre-chunked frames in parallel, while preserving their original order in
// both the output stream and the seek table.
type ConcurrentWriter interface {
	Writer

	// WriteMany drains frames, compressing up to the configured
	// concurrency at once. Compression may complete out of order, but
	// frames are written to the sink and recorded in the seek table in
	// the order frames produced them. It must not be called concurrently
	// with Write, and must not be interleaved with it on the same Writer.
	WriteMany(ctx context.Context, frames FrameSource, opts ...WriteManyOption) error
}

type encodeResult struct {
	buf   []byte
	entry SeekTableEntry
}

func (s *writerImpl) encodeFrame(data []byte) ([]byte, SeekTableEntry, error) {
	if len(data) > MaxFrameEntrySize {
		return nil, SeekTableEntry{}, fmt.Errorf("%w: decompressed frame size %d", ErrFrameTooLarge, len(data))
	}

	dst := s.enc.EncodeAll(data, nil)
	if len(dst) > MaxFrameEntrySize {
		return nil, SeekTableEntry{}, fmt.Errorf("%w: compressed frame size %d", ErrFrameTooLarge, len(dst))
	}

	return dst, SeekTableEntry{CompressedSize: uint32(len(dst)), DecompressedSize: uint32(len(data))}, nil
}

func (s *writerImpl) writeManyEncoder(ctx context.Context, ch chan<- encodeResult, frame []byte) func() error {
	return func() error {
		dst, entry, err := s.encodeFrame(frame)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case ch <- encodeResult{dst, entry}:
			close(ch)
		}
		return nil
	}
}

func (s *writerImpl) writeManyProducer(ctx context.Context, frames FrameSource, g *errgroup.Group, queue chan<- chan encodeResult) func() error {
	return func() error {
		for {
			frame, err := frames()
			if err != nil {
				return fmt.Errorf("frame source failed: %w", err)
			}
			if frame == nil {
				close(queue)
				return nil
			}

			// A channel on the queue acts as a promise: it keeps output
			// order even though the encoders behind it race.
			ch := make(chan encodeResult, 1)
			select {
			case <-ctx.Done():
				return nil
			case queue <- ch:
			}

			g.Go(s.writeManyEncoder(ctx, ch, frame))
		}
	}
}

func (s *writerImpl) writeManyConsumer(ctx context.Context, callback func(uint32), queue <-chan chan encodeResult) func() error {
	return func() error {
		for {
			var ch <-chan encodeResult
			select {
			case <-ctx.Done():
				return nil
			case ch = <-queue:
			}
			if ch == nil {
				return nil
			}

			var result encodeResult
			select {
			case <-ctx.Done():
				return nil
			case result = <-ch:
			}

			if _, err := s.w.Write(result.buf); err != nil {
				return fmt.Errorf("failed to write compressed frame: %w", err)
			}
			s.o.logger.Debug("wrote frame", zap.Object("frame", &result.entry))
			s.table.Append(result.entry)

			if callback != nil {
				callback(result.entry.DecompressedSize)
			}
		}
	}
}

// WriteMany implements ConcurrentWriter.
func (s *writerImpl) WriteMany(ctx context.Context, frames FrameSource, opts ...WriteManyOption) error {
	if s.finished.Load() {
		return ErrAlreadyFinished
	}

	o := writeManyOptions{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return err
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency + 2) // +1 producer, +1 consumer
	// Extra room in the queue keeps throughput high even when frames finish
	// compressing out of order.
	queue := make(chan chan encodeResult, o.concurrency*2)
	g.Go(s.writeManyProducer(gCtx, frames, g, queue))
	g.Go(s.writeManyConsumer(gCtx, o.callback, queue))
	return g.Wait()
}

var _ ConcurrentWriter = (*writerImpl)(nil)
