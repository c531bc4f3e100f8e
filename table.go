package seekable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zseekfmt/zseekfmt/internal/source"
)

// SeekTable is the ordered, indexable sequence of per-frame sizes, plus the
// two derived prefix-sum arrays (cumulative compressed and decompressed
// offsets) used to answer "which frame covers byte X" in O(log N).
//
// A SeekTable is a value: it owns no I/O and has no shared mutable state.
// The encoder builds one as it closes frames; the decoder parses one from
// a Source. Both can coexist independently over the same logical data.
type SeekTable struct {
	entries []SeekTableEntry

	// compOffsets and decompOffsets have length len(entries)+1;
	// compOffsets[i] / decompOffsets[i] is the cumulative size of frames
	// [0, i). Append extends them incrementally and parsing rebuilds them
	// from entries; both give the same arrays for the same entries.
	compOffsets   []uint64
	decompOffsets []uint64
}

// NewSeekTable constructs an empty, appendable table — the shape the
// encoder's builder starts from.
func NewSeekTable() *SeekTable {
	return &SeekTable{
		compOffsets:   []uint64{0},
		decompOffsets: []uint64{0},
	}
}

// Append records one more closed frame and extends the prefix sums.
func (t *SeekTable) Append(e SeekTableEntry) {
	t.entries = append(t.entries, e)
	n := len(t.compOffsets)
	t.compOffsets = append(t.compOffsets, t.compOffsets[n-1]+uint64(e.CompressedSize))
	t.decompOffsets = append(t.decompOffsets, t.decompOffsets[n-1]+uint64(e.DecompressedSize))
}

// rebuild recomputes both prefix-sum arrays from entries alone. Parsing
// always goes through this path; Append is just an incremental shortcut
// that produces the identical result (this is exactly the "prefix-sum
// idempotence" property required of the format).
func (t *SeekTable) rebuild() {
	t.compOffsets = make([]uint64, len(t.entries)+1)
	t.decompOffsets = make([]uint64, len(t.entries)+1)
	for i, e := range t.entries {
		t.compOffsets[i+1] = t.compOffsets[i] + uint64(e.CompressedSize)
		t.decompOffsets[i+1] = t.decompOffsets[i] + uint64(e.DecompressedSize)
	}
}

// NumFrames returns the number of frames described by the table.
func (t *SeekTable) NumFrames() int64 { return int64(len(t.entries)) }

// Entry returns the i-th frame's sizes.
func (t *SeekTable) Entry(i int64) (SeekTableEntry, error) {
	if i < 0 || i >= t.NumFrames() {
		return SeekTableEntry{}, fmt.Errorf("%w: frame index %d out of [0,%d)", ErrOutOfRange, i, t.NumFrames())
	}
	return t.entries[i], nil
}

// StartCompressed returns the compressed-stream offset at which frame i
// begins; i == NumFrames() returns the total compressed size.
func (t *SeekTable) StartCompressed(i int64) (uint64, error) {
	if i < 0 || i > t.NumFrames() {
		return 0, fmt.Errorf("%w: frame index %d out of [0,%d]", ErrOutOfRange, i, t.NumFrames())
	}
	return t.compOffsets[i], nil
}

// StartDecompressed returns the decompressed-stream offset at which frame i
// begins; i == NumFrames() returns the total decompressed size.
func (t *SeekTable) StartDecompressed(i int64) (uint64, error) {
	if i < 0 || i > t.NumFrames() {
		return 0, fmt.Errorf("%w: frame index %d out of [0,%d]", ErrOutOfRange, i, t.NumFrames())
	}
	return t.decompOffsets[i], nil
}

// SizeCompressed returns the sum of all frames' compressed sizes (this does
// not include the seek table's own skippable frame).
func (t *SeekTable) SizeCompressed() uint64 {
	return t.compOffsets[len(t.compOffsets)-1]
}

// SizeDecompressed returns the sum of all frames' decompressed sizes — the
// total length of the logical, uncompressed stream.
func (t *SeekTable) SizeDecompressed() uint64 {
	return t.decompOffsets[len(t.decompOffsets)-1]
}

// FrameIndexComp returns the largest frame index i such that
// StartCompressed(i) <= off. If off == SizeCompressed(), it returns
// NumFrames().
func (t *SeekTable) FrameIndexComp(off uint64) int64 {
	return frameIndex(t.compOffsets, off)
}

// FrameIndexDecomp returns the largest frame index i such that
// StartDecompressed(i) <= off. If off == SizeDecompressed(), it returns
// NumFrames().
func (t *SeekTable) FrameIndexDecomp(off uint64) int64 {
	return frameIndex(t.decompOffsets, off)
}

// frameIndex binary-searches a prefix-sum array (length n+1) for the
// largest index i in [0,n] with offsets[i] <= off, matching the "largest i
// with start(i) <= off; off == total returns n" contract. Any off at or past
// the total size yields n.
func frameIndex(offsets []uint64, off uint64) int64 {
	// sort.Search finds the first index where offsets[idx] > off; the
	// largest index with offsets[idx] <= off is one less than that.
	// offsets[0] == 0 so the search always finds idx >= 1 for off >= 0,
	// and off == offsets[n] (the total size) naturally yields n, matching
	// the "off == total returns N" contract without a special case.
	idx := sort.Search(len(offsets), func(idx int) bool { return offsets[idx] > off })
	return int64(idx - 1)
}

// Serialize emits the table as a complete skippable frame (magic number,
// Frame_Size, body) in the requested layout. The output always has
// Checksum_Flag = 0 and 8-byte entries: this implementation never produces
// the legacy per-entry checksum.
func (t *SeekTable) Serialize(format Format) ([]byte, error) {
	if t.NumFrames() > MaxNumberOfFrames {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFrames, t.NumFrames(), MaxNumberOfFrames)
	}

	entryBytes := make([]byte, len(t.entries)*entryWidthNoChecksum)
	for i, e := range t.entries {
		e.marshalBinaryInline(entryBytes[i*entryWidthNoChecksum : (i+1)*entryWidthNoChecksum])
	}

	footer := seekTableFooter{
		NumberOfFrames:      uint32(t.NumFrames()),
		SeekTableDescriptor: seekTableDescriptor{ChecksumFlag: false},
		SeekableMagicNumber: seekableMagicNumber,
	}
	footerBytes := make([]byte, seekTableFooterSize)
	footer.marshalBinaryInline(footerBytes)

	var body []byte
	switch format {
	case FormatFoot:
		body = append(entryBytes, footerBytes...)
	case FormatHead:
		body = append(append([]byte{}, footerBytes...), entryBytes...)
	default:
		return nil, fmt.Errorf("unknown seek table format: %v", format)
	}

	return createSkippableFrame(seekableTag, body)
}

// tableOptions configures Parse.
type tableOptions struct {
	logger *zap.Logger
}

// TableOption configures seek-table parsing.
type TableOption func(*tableOptions)

// WithTableLogger attaches a logger used to report (non-fatal) anomalies
// like reserved descriptor bits being set.
func WithTableLogger(l *zap.Logger) TableOption {
	return func(o *tableOptions) { o.logger = l }
}

// Parse reads a seek table from src in the given layout.
//
//   - FormatFoot is the "auto, from a compressed archive" strategy of §4.2:
//     seek to the last 9 bytes for the integrity trailer, derive the entry
//     width and total entries size from it, then seek back far enough to
//     also cover the skippable frame header and validate it.
//   - FormatHead reads the skippable envelope and integrity trailer from
//     the very start of a standalone seek-table file, then the entries
//     that follow.
func Parse(src source.Source, format Format, opts ...TableOption) (*SeekTable, error) {
	o := tableOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	switch format {
	case FormatFoot:
		return parseFoot(src, &o)
	case FormatHead:
		return parseHead(src, &o)
	default:
		return nil, fmt.Errorf("unknown seek table format: %v", format)
	}
}

func parseFoot(src source.Source, o *tableOptions) (*SeekTable, error) {
	footerBuf := make([]byte, seekTableFooterSize)
	if _, err := src.ReadAtEnd(footerBuf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading integrity trailer: %v", ErrUnexpectedEOF, err)
	}

	footer := seekTableFooter{}
	if err := footer.UnmarshalBinary(footerBuf); err != nil {
		return nil, err
	}
	warnReservedBits(o, &footer)

	entryWidth := entryWidthNoChecksum
	if footer.SeekTableDescriptor.ChecksumFlag {
		entryWidth = entryWidthChecksum
	}

	entriesSize := int64(footer.NumberOfFrames) * int64(entryWidth)
	totalFrameSize := int64(skippableFrameHeaderSize) + entriesSize + seekTableFooterSize
	if totalFrameSize > maxDecoderFrameSize {
		return nil, fmt.Errorf("%w: seek table frame too large: %d > %d", ErrFormat, totalFrameSize, maxDecoderFrameSize)
	}

	frameBuf := make([]byte, totalFrameSize)
	if _, err := src.ReadAtEnd(frameBuf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading seek table frame: %v", ErrUnexpectedEOF, err)
	}

	if err := validateSkippableHeader(frameBuf[:skippableFrameHeaderSize], entriesSize+seekTableFooterSize); err != nil {
		return nil, err
	}

	entriesBuf := frameBuf[skippableFrameHeaderSize : skippableFrameHeaderSize+entriesSize]
	return buildTable(entriesBuf, int(footer.NumberOfFrames), entryWidth)
}

func parseHead(src source.Source, o *tableOptions) (*SeekTable, error) {
	headerBuf := make([]byte, skippableFrameHeaderSize+seekTableFooterSize)
	if _, err := src.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading head preamble: %v", ErrUnexpectedEOF, err)
	}

	footer := seekTableFooter{}
	if err := footer.UnmarshalBinary(headerBuf[skippableFrameHeaderSize:]); err != nil {
		return nil, err
	}
	warnReservedBits(o, &footer)

	entryWidth := entryWidthNoChecksum
	if footer.SeekTableDescriptor.ChecksumFlag {
		entryWidth = entryWidthChecksum
	}

	entriesSize := int64(footer.NumberOfFrames) * int64(entryWidth)
	totalFrameSize := int64(skippableFrameHeaderSize) + entriesSize + seekTableFooterSize
	if totalFrameSize > maxDecoderFrameSize {
		return nil, fmt.Errorf("%w: seek table frame too large: %d > %d", ErrFormat, totalFrameSize, maxDecoderFrameSize)
	}

	if err := validateSkippableHeader(headerBuf[:skippableFrameHeaderSize], seekTableFooterSize+entriesSize); err != nil {
		return nil, err
	}

	entriesBuf := make([]byte, entriesSize)
	if entriesSize > 0 {
		if _, err := src.ReadAt(entriesBuf, int64(len(headerBuf))); err != nil {
			return nil, fmt.Errorf("%w: reading head entries: %v", ErrUnexpectedEOF, err)
		}
	}

	return buildTable(entriesBuf, int(footer.NumberOfFrames), entryWidth)
}

func validateSkippableHeader(hdr []byte, expectedFrameSize int64) error {
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != skippableFrameMagic+seekableTag {
		return fmt.Errorf("%w: skippable frame magic mismatch %#x vs %#x", ErrFormat, magic, skippableFrameMagic+seekableTag)
	}
	frameSize := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	if frameSize != expectedFrameSize {
		return fmt.Errorf("%w: skippable frame size mismatch: header says %d, derived %d", ErrFormat, frameSize, expectedFrameSize)
	}
	return nil
}

func warnReservedBits(o *tableOptions, footer *seekTableFooter) {
	if footer.reservedBitsObserved {
		o.logger.Warn("seek table descriptor has reserved bits set; decoding anyway",
			zap.Object("footer", footer))
	}
}

func buildTable(entriesBuf []byte, numFrames int, entryWidth int) (*SeekTable, error) {
	var entries []SeekTableEntry
	if numFrames > 0 {
		entries = make([]SeekTableEntry, numFrames)
	}
	t := &SeekTable{entries: entries}
	for i := 0; i < numFrames; i++ {
		e, err := unmarshalEntry(entriesBuf[i*entryWidth:(i+1)*entryWidth], entryWidth)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrFormat, i, err)
		}
		t.entries[i] = e
	}
	t.rebuild()
	return t, nil
}
