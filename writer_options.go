package seekable

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	// defaultMaxFrameSize is 2 MiB, the default upper bound on a frame's
	// decompressed size.
	defaultMaxFrameSize uint32 = 2 << 20

	// minRecommendedFrameSize is the floor below which WithMaxFrameSize
	// only warns, rather than refuses: smaller frames are legal, just
	// likely to hurt the compression ratio.
	minRecommendedFrameSize uint32 = 1 << 10
)

// WOption configures a Writer.
type WOption func(*writerOptions) error

type writerOptions struct {
	logger *zap.Logger

	zstdOpts []zstd.EOption

	maxFrameSize    uint32
	writeSeekTable  bool
	seekTableFormat Format
}

func (o *writerOptions) setDefault() {
	*o = writerOptions{
		logger:          zap.NewNop(),
		maxFrameSize:    defaultMaxFrameSize,
		writeSeekTable:  true,
		seekTableFormat: FormatFoot,
	}
}

// WithWriterLogger attaches a structured logger; the default is silent.
func WithWriterLogger(l *zap.Logger) WOption {
	return func(o *writerOptions) error { o.logger = l; return nil }
}

// WithZSTDEOptions forwards arbitrary options straight to the underlying
// zstd.Encoder, e.g. zstd.WithEncoderConcurrency.
func WithZSTDEOptions(opts ...zstd.EOption) WOption {
	return func(o *writerOptions) error { o.zstdOpts = append(o.zstdOpts, opts...); return nil }
}

// WithCompressionLevel sets the zstd compression level.
func WithCompressionLevel(level int) WOption {
	return func(o *writerOptions) error {
		o.zstdOpts = append(o.zstdOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		return nil
	}
}

// WithChecksumFrames toggles the zstd Content_Checksum on every produced
// frame. This is unrelated to, and does not resurrect, the deprecated
// per-entry seek-table checksum, which this implementation never writes.
func WithChecksumFrames(enabled bool) WOption {
	return func(o *writerOptions) error {
		o.zstdOpts = append(o.zstdOpts, zstd.WithEncoderChecksum(enabled))
		return nil
	}
}

// WithMaxFrameSize bounds the decompressed size of any one frame. The
// default is 2 MiB; values under 1 KiB are accepted but logged as a
// warning at Writer construction time, since very small frames tend to
// hurt the compression ratio without materially improving seek
// granularity. size must be at least 1: a zero max frame size can never
// be reached by Write's room/take accounting, which would spin forever
// rather than ever close a frame.
func WithMaxFrameSize(size uint32) WOption {
	return func(o *writerOptions) error {
		if size == 0 {
			return fmt.Errorf("%w: max frame size must be >= 1", ErrInvalidOption)
		}
		o.maxFrameSize = size
		return nil
	}
}

// WithWriteSeekTable controls whether Close writes the seek table to the
// main sink. Set to false together with WithSeekTableFormat(FormatHead) to
// produce a plain, independently-decodable zstd stream plus a seek table
// retrieved separately via Writer.WriteSeekTableTo.
func WithWriteSeekTable(enabled bool) WOption {
	return func(o *writerOptions) error { o.writeSeekTable = enabled; return nil }
}

// WithSeekTableFormat selects FormatFoot (default) or FormatHead for the
// seek table Close (or WriteSeekTableTo) emits.
func WithSeekTableFormat(format Format) WOption {
	return func(o *writerOptions) error { o.seekTableFormat = format; return nil }
}
