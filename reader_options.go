package seekable

import (
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ROption configures a Reader.
type ROption func(*readerOptions) error

type readerOptions struct {
	logger    *zap.Logger
	zstdDOpts []zstd.DOption

	seekTableFormat Format
	table           *SeekTable
}

func (o *readerOptions) setDefault() {
	*o = readerOptions{
		logger:          zap.NewNop(),
		seekTableFormat: FormatFoot,
	}
}

// WithReaderSeekTableFormat selects which layout Parse expects src to carry
// (ignored if WithSeekTable supplies an already-parsed table).
func WithReaderSeekTableFormat(format Format) ROption {
	return func(o *readerOptions) error { o.seekTableFormat = format; return nil }
}

// WithSeekTable supplies an already-parsed seek table, skipping Parse
// entirely. Needed for the FormatHead layout, where the table lives in a
// side file separate from the compressed frames in src.
func WithSeekTable(table *SeekTable) ROption {
	return func(o *readerOptions) error { o.table = table; return nil }
}

// WithReaderLogger attaches a structured logger; the default is silent.
func WithReaderLogger(l *zap.Logger) ROption {
	return func(o *readerOptions) error { o.logger = l; return nil }
}

// WithZSTDDOptions forwards arbitrary options straight to the underlying
// zstd.Decoder, e.g. zstd.WithDecoderConcurrency or zstd.IgnoreChecksum to
// skip the codec's own Content_Checksum verification.
func WithZSTDDOptions(opts ...zstd.DOption) ROption {
	return func(o *readerOptions) error { o.zstdDOpts = append(o.zstdDOpts, opts...); return nil }
}
