package seekable

import "fmt"

// Encoder is a byte-oriented API for cases where wrapping an io.Writer is
// not desirable: the caller owns delivery of each compressed chunk (e.g.
// uploading it directly to object storage) and only wants this
// implementation's framing and seek-table bookkeeping.
type Encoder interface {
	// Encode compresses src as exactly one new frame, appends its entry to
	// the in-memory seek table, and returns the compressed bytes. Unlike
	// Writer.Write, Encode never splits or accumulates: one call, one frame.
	// An empty src produces no frame and returns nil bytes.
	Encode(src []byte) ([]byte, error)

	// EndStream returns the seek table built so far, serialized as a
	// skippable frame in the configured Format.
	EndStream() ([]byte, error)

	// Close releases the underlying zstd encoder. It does not write
	// anything; EndStream must be called first if the seek table is
	// still needed.
	Close() error
}

// NewEncoder returns a byte-oriented Encoder sharing the same options and
// frame-accounting logic as NewWriter. The seek table is never written to a
// sink automatically (there is none): retrieve it via EndStream.
func NewEncoder(opts ...WOption) (Encoder, error) {
	opts = append(append([]WOption{}, opts...), WithWriteSeekTable(false))
	w, err := NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	return w.(*writerImpl), nil
}

func (s *writerImpl) Encode(src []byte) ([]byte, error) {
	if len(src) > MaxFrameEntrySize {
		return nil, fmt.Errorf("%w: chunk size %d", ErrFrameTooLarge, len(src))
	}
	if len(src) == 0 {
		return nil, nil
	}

	dst := s.enc.EncodeAll(src, nil)
	if len(dst) > MaxFrameEntrySize {
		return nil, fmt.Errorf("%w: compressed chunk size %d", ErrFrameTooLarge, len(dst))
	}

	entry := SeekTableEntry{
		CompressedSize:   uint32(len(dst)),
		DecompressedSize: uint32(len(src)),
	}
	s.table.Append(entry)

	return dst, nil
}

func (s *writerImpl) EndStream() ([]byte, error) {
	return s.writeSeekTableBytes()
}

func (s *writerImpl) writeSeekTableBytes() ([]byte, error) {
	if s.table.NumFrames() > MaxNumberOfFrames {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFrames, s.table.NumFrames())
	}
	return s.table.Serialize(s.o.seekTableFormat)
}

var _ Encoder = (*writerImpl)(nil)
