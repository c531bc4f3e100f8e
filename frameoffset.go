package seekable

import (
	"github.com/google/btree"
	"go.uber.org/zap/zapcore"
)

// FrameOffsetEntry is the post-processed, btree-indexable view of a
// SeekTableEntry: absolute offsets on both axes plus the frame's own ID,
// suitable for O(log N) lookup by decompressed offset. It is a derived
// cache over a SeekTable, never the source of truth — the table's prefix
// sums are.
type FrameOffsetEntry struct {
	ID int64

	CompOffset   uint64
	DecompOffset uint64
	CompSize     uint32
	DecompSize   uint32
}

func (e *FrameOffsetEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("ID", e.ID)
	enc.AddUint64("CompOffset", e.CompOffset)
	enc.AddUint64("DecompOffset", e.DecompOffset)
	enc.AddUint32("CompSize", e.CompSize)
	enc.AddUint32("DecompSize", e.DecompSize)
	return nil
}

// frameOffsetLess orders FrameOffsetEntry values by decompressed offset,
// the axis the decoder's random-access window setters key off of.
func frameOffsetLess(a, b *FrameOffsetEntry) bool {
	return a.DecompOffset < b.DecompOffset
}

// buildFrameIndex derives the btree acceleration cache from a SeekTable;
// both Reader and Decoder build one of these from the same table shape.
func buildFrameIndex(table *SeekTable) *btree.BTreeG[*FrameOffsetEntry] {
	index := btree.NewG(8, frameOffsetLess)
	compOffset, decompOffset := uint64(0), uint64(0)
	for i := int64(0); i < table.NumFrames(); i++ {
		e, _ := table.Entry(i)
		index.ReplaceOrInsert(&FrameOffsetEntry{
			ID:           i,
			CompOffset:   compOffset,
			DecompOffset: decompOffset,
			CompSize:     e.CompressedSize,
			DecompSize:   e.DecompressedSize,
		})
		compOffset += uint64(e.CompressedSize)
		decompOffset += uint64(e.DecompressedSize)
	}
	return index
}
