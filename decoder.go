package seekable

import "github.com/google/btree"

// Decoder is a byte-oriented, read-only view over an already-parsed
// SeekTable: offset and frame-ID lookups without any association to an
// io.ReadSeeker or a Source. Useful when the caller already owns the
// decompressed bytes for each frame by some other means (e.g. a remote
// object store that serves frames individually) and only needs this
// implementation's indexing, not its I/O.
//
// A Decoder is safe for concurrent use by multiple goroutines: it is
// read-only over its underlying table and btree index once built.
type Decoder interface {
	// GetIndexByDecompOffset returns the frame covering a decompressed
	// offset, or false if off >= Size().
	GetIndexByDecompOffset(off uint64) (FrameOffsetEntry, bool)

	// GetIndexByID returns the frame with the given ID, or false if id is
	// out of [0, NumFrames()).
	GetIndexByID(id int64) (FrameOffsetEntry, bool)

	// Size returns the size of the uncompressed stream.
	Size() uint64

	// NumFrames returns the number of frames in the compressed stream.
	NumFrames() int64
}

// NewDecoder builds a byte-oriented Decoder from a SeekTable, as returned
// by Parse (for instance over the bytes written by Writer.WriteSeekTableTo
// or returned by Encoder.EndStream).
func NewDecoder(table *SeekTable) Decoder {
	return &decoderImpl{table: table, index: buildFrameIndex(table)}
}

type decoderImpl struct {
	table *SeekTable
	index *btree.BTreeG[*FrameOffsetEntry]
}

func (d *decoderImpl) Size() uint64     { return d.table.SizeDecompressed() }
func (d *decoderImpl) NumFrames() int64 { return d.table.NumFrames() }

func (d *decoderImpl) GetIndexByDecompOffset(off uint64) (found FrameOffsetEntry, ok bool) {
	if off >= d.table.SizeDecompressed() {
		return FrameOffsetEntry{}, false
	}
	d.index.DescendLessOrEqual(&FrameOffsetEntry{DecompOffset: off}, func(e *FrameOffsetEntry) bool {
		found, ok = *e, true
		return false
	})
	return
}

func (d *decoderImpl) GetIndexByID(id int64) (found FrameOffsetEntry, ok bool) {
	e, err := d.table.Entry(id)
	if err != nil {
		return FrameOffsetEntry{}, false
	}
	// The btree is keyed by DecompOffset alone, so a zero-size frame is
	// replaced there by the frame that starts at the same offset; IDs are
	// therefore resolved from the table's prefix sums instead.
	compOffset, _ := d.table.StartCompressed(id)
	decompOffset, _ := d.table.StartDecompressed(id)
	return FrameOffsetEntry{
		ID:           id,
		CompOffset:   compOffset,
		DecompOffset: decompOffset,
		CompSize:     e.CompressedSize,
		DecompSize:   e.DecompressedSize,
	}, true
}

var _ Decoder = (*decoderImpl)(nil)
