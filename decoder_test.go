package seekable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseekfmt/zseekfmt/internal/source"
)

func TestDecoderLookupsByOffsetAndID(t *testing.T) {
	t.Parallel()

	table := NewSeekTable()
	table.Append(SeekTableEntry{CompressedSize: 10, DecompressedSize: 100})
	table.Append(SeekTableEntry{CompressedSize: 20, DecompressedSize: 200})
	table.Append(SeekTableEntry{CompressedSize: 30, DecompressedSize: 300})

	d := NewDecoder(table)
	assert.EqualValues(t, 600, d.Size())
	assert.EqualValues(t, 3, d.NumFrames())

	e, ok := d.GetIndexByDecompOffset(0)
	require.True(t, ok)
	assert.EqualValues(t, 0, e.ID)

	e, ok = d.GetIndexByDecompOffset(150)
	require.True(t, ok)
	assert.EqualValues(t, 1, e.ID)
	assert.EqualValues(t, 100, e.DecompOffset)

	e, ok = d.GetIndexByDecompOffset(599)
	require.True(t, ok)
	assert.EqualValues(t, 2, e.ID)

	_, ok = d.GetIndexByDecompOffset(600)
	assert.False(t, ok, "offset == Size() is out of range")

	e, ok = d.GetIndexByID(2)
	require.True(t, ok)
	assert.EqualValues(t, 300, e.DecompSize)
	assert.EqualValues(t, 30, e.CompOffset)

	_, ok = d.GetIndexByID(-1)
	assert.False(t, ok)
	_, ok = d.GetIndexByID(3)
	assert.False(t, ok)
}

func TestDecoderFromWriterSeekTable(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, 4, []byte("AAAA"), []byte("BB"))

	table, err := Parse(source.NewBytesSource(archive), FormatFoot)
	require.NoError(t, err)

	d := NewDecoder(table)
	assert.EqualValues(t, 2, d.NumFrames())
	e, ok := d.GetIndexByID(1)
	require.True(t, ok)
	assert.EqualValues(t, 2, e.DecompSize)
}
