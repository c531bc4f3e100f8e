// Package seekable implements the Zstandard Seekable Format: a sequence of
// independently-decodable zstd frames followed (or, in the Head variant,
// preceded) by a seek table that records each frame's compressed and
// decompressed size.
//
// The container is readable by any conformant zstd decoder — the seek table
// itself lives inside a zstd skippable frame, which a plain `zstd -d` simply
// skips over.
//
//	The format consists of a number of frames (Zstandard compressed frames and
//	skippable frames), followed by a skippable frame containing the seek
//	table, either at the end of the stream (Foot) or, for a standalone seek
//	table file, at the start (Head).
//
//	Seek Table Format
//
//	|`Skippable_Magic_Number`|`Frame_Size`|`[Seek_Table_Entries]`|`Seek_Table_Footer`|
//	|------------------------|------------|----------------------|-------------------|
//	| 4 bytes                | 4 bytes    | 8-12 bytes each      | 9 bytes           |
//
//	https://github.com/facebook/zstd/blob/dev/contrib/seekable_format/zstd_seekable_compression_format.md
package seekable

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap/zapcore"
)

const (
	skippableFrameMagic uint32 = 0x184D2A50
	seekableMagicNumber uint32 = 0x8F92EAB1

	// seekableTag picks one of the 16 legal skippable-frame magic numbers
	// (0x184D2A50-0x184D2A5F) to tag this implementation's skippable
	// frames with. Any other skippable frame using the same tag is, per
	// spec, indistinguishable from ours by magic number alone.
	seekableTag = 0xE

	seekTableFooterSize           = 9
	frameSizeFieldSize            = 4
	skippableMagicNumberFieldSize = 4
	skippableFrameHeaderSize      = frameSizeFieldSize + skippableMagicNumberFieldSize

	entryWidthNoChecksum = 8
	entryWidthChecksum   = 12

	// maxDecoderFrameSize bounds how large a single skippable frame (i.e.
	// the whole seek table) the parser, and how large a compressed data
	// frame the Reader, will allocate for, to avoid OOMs on untrusted input.
	maxDecoderFrameSize = 128 << 20

	// MaxFrameEntrySize is the largest value either CompressedSize or
	// DecompressedSize can take: both are serialized as uint32.
	MaxFrameEntrySize = math.MaxUint32

	// MaxNumberOfFrames is the largest number of frames a seek table can
	// describe: Number_Of_Frames is a uint32.
	MaxNumberOfFrames = math.MaxUint32
)

// Format selects where in the archive the seek table's skippable frame is
// written (or expected, when parsing).
type Format int

const (
	// FormatFoot appends the seek table after the compressed frames, the
	// layout described by the upstream zstd seekable format spec:
	// entries followed by the integrity trailer.
	FormatFoot Format = iota
	// FormatHead places the integrity trailer first, then the entries,
	// so that a standalone seek-table file can be identified and parsed
	// from its first byte without first finding the end of the stream.
	FormatHead
)

func (f Format) String() string {
	switch f {
	case FormatFoot:
		return "foot"
	case FormatHead:
		return "head"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// seekTableDescriptor is a Go representation of the 1-byte bitfield that
// precedes the seekable magic number in the integrity trailer.
//
//	| Bit number | Field name                |
//	| ---------- | ----------                |
//	| 7          | `Checksum_Flag`           |
//	| 6-2        | `Reserved_Bits`           |
//	| 1-0        | `Unused_Bits`             |
//
// Reserved_Bits are supposed to be zero on a strictly conformant stream;
// this reader tolerates them set (see reservedBitsObserved) for forward
// compatibility with future minor revisions of the format.
type seekTableDescriptor struct {
	// ChecksumFlag, when set, means each Seek_Table_Entry carries a
	// trailing 4-byte legacy checksum. This implementation never sets it
	// on output; entries this version writes are always 8 bytes.
	ChecksumFlag bool
}

func (d *seekTableDescriptor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("ChecksumFlag", d.ChecksumFlag)
	return nil
}

// seekTableFooter is the 9-byte integrity trailer that anchors seek table
// discovery, in both the Foot and Head layouts.
//
//	|`Number_Of_Frames`|`Seek_Table_Descriptor`|`Seekable_Magic_Number`|
//	|------------------|-----------------------|-----------------------|
//	| 4 bytes          | 1 byte                | 4 bytes               |
type seekTableFooter struct {
	NumberOfFrames      uint32
	SeekTableDescriptor seekTableDescriptor
	SeekableMagicNumber uint32

	// reservedBitsObserved records whether bits 6-2 were set on decode,
	// purely for logging; it is never re-encoded.
	reservedBitsObserved bool
}

func (f *seekTableFooter) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], f.NumberOfFrames)
	dst[4] = 0
	if f.SeekTableDescriptor.ChecksumFlag {
		dst[4] |= 1 << 7
	}
	binary.LittleEndian.PutUint32(dst[5:], seekableMagicNumber)
}

func (f *seekTableFooter) MarshalBinary() ([]byte, error) {
	dst := make([]byte, seekTableFooterSize)
	f.marshalBinaryInline(dst)
	return dst, nil
}

func (f *seekTableFooter) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("NumberOfFrames", f.NumberOfFrames)
	if err := enc.AddObject("SeekTableDescriptor", &f.SeekTableDescriptor); err != nil {
		return err
	}
	enc.AddUint32("SeekableMagicNumber", f.SeekableMagicNumber)
	return nil
}

func (f *seekTableFooter) UnmarshalBinary(p []byte) error {
	if len(p) != seekTableFooterSize {
		return fmt.Errorf("%w: footer length mismatch %d vs %d", ErrFormat, len(p), seekTableFooterSize)
	}
	f.NumberOfFrames = binary.LittleEndian.Uint32(p[0:])
	f.SeekTableDescriptor.ChecksumFlag = p[4]&(1<<7) > 0
	// Bits 6-2 are "Reserved_Bits": a strict reader would reject them
	// being set. This implementation only notes it for the caller (via
	// the logger) and keeps decoding, trading strictness for forward
	// compatibility.
	f.reservedBitsObserved = (p[4]<<1)>>3 != 0
	f.SeekableMagicNumber = binary.LittleEndian.Uint32(p[5:])
	if f.SeekableMagicNumber != seekableMagicNumber {
		return fmt.Errorf("%w: footer magic mismatch %#x vs %#x", ErrFormat, f.SeekableMagicNumber, seekableMagicNumber)
	}
	return nil
}

// SeekTableEntry describes one frame in the seek table: its size on disk
// and the size of the data it inflates to. A skippable frame in the stream
// has an entry with DecompressedSize 0; the seek table's own frame never
// has an entry.
type SeekTableEntry struct {
	// CompressedSize is the size, in bytes, of the frame as stored.
	CompressedSize uint32
	// DecompressedSize is the size of the frame's inflated payload. Zero
	// for skippable and empty frames.
	DecompressedSize uint32
}

func (e *SeekTableEntry) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], e.CompressedSize)
	binary.LittleEndian.PutUint32(dst[4:], e.DecompressedSize)
}

func (e *SeekTableEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("CompressedSize", e.CompressedSize)
	enc.AddUint32("DecompressedSize", e.DecompressedSize)
	return nil
}

// unmarshalEntry decodes one Seek_Table_Entry of the given width (8 bytes
// for this version's output, 12 for a legacy checksum-bearing entry). Any
// trailing checksum bytes are intentionally discarded: this implementation
// never verifies the deprecated per-entry checksum, only the zstd frame's
// own Content_Checksum when the codec decodes it.
func unmarshalEntry(p []byte, width int) (SeekTableEntry, error) {
	if len(p) < width {
		return SeekTableEntry{}, fmt.Errorf("%w: entry length mismatch %d vs %d", ErrUnexpectedEOF, len(p), width)
	}
	return SeekTableEntry{
		CompressedSize:   binary.LittleEndian.Uint32(p[0:]),
		DecompressedSize: binary.LittleEndian.Uint32(p[4:]),
	}, nil
}

// createSkippableFrame wraps payload in a ZSTD skippable frame envelope.
//
//	| `Magic_Number` | `Frame_Size` | `User_Data` |
//	|:--------------:|:------------:|:-----------:|
//	|   4 bytes      |  4 bytes     |   n bytes   |
//
// https://github.com/facebook/zstd/blob/dev/doc/zstd_compression_format.md#skippable-frames
func createSkippableFrame(tag uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if tag > 0xf {
		return nil, fmt.Errorf("requested tag (%d) > 0xf", tag)
	}
	if len(payload) > MaxFrameEntrySize {
		return nil, fmt.Errorf("requested skippable frame size (%d) > max uint32", len(payload))
	}

	dst := make([]byte, 8, len(payload)+8)
	binary.LittleEndian.PutUint32(dst[0:], skippableFrameMagic+tag)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(payload)))
	return append(dst, payload...), nil
}
