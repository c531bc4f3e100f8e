package seekable

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseekfmt/zseekfmt/internal/source"
)

func buildArchive(t *testing.T, maxFrameSize uint32, parts ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WithMaxFrameSize(maxFrameSize))
	require.NoError(t, err)
	for _, p := range parts {
		_, err := w.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReaderRoundTripsAcrossFrames(t *testing.T) {
	t.Parallel()

	bytes1, bytes2 := []byte("test"), []byte("test2")
	archive := buildArchive(t, 4, bytes1, bytes2)

	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	defer r.Close()

	// With a 4-byte max frame size the frames are "test", "test", "2", so
	// the second read has to cross a frame boundary.
	tmp := make([]byte, 4096)
	n, err := r.Read(tmp[:len(bytes1)])
	require.NoError(t, err)
	assert.Equal(t, bytes1, tmp[:n])

	m, err := r.Read(tmp[:len(bytes2)])
	require.NoError(t, err)
	assert.Equal(t, bytes2, tmp[:m])

	_, err = r.Read(tmp)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSeekEdges(t *testing.T) {
	t.Parallel()

	sourceString := "testtest2"
	archive := buildArchive(t, 4, []byte("test"), []byte("test2"))

	for _, whence := range []int{io.SeekStart, io.SeekEnd} {
		whence := whence
		r, err := NewReader(source.NewBytesSource(archive))
		require.NoError(t, err)

		for n := int64(-1); n <= int64(len(sourceString)); n++ {
			var j int64
			var err error
			switch whence {
			case io.SeekStart:
				j, err = r.Seek(n, whence)
			case io.SeekEnd:
				j, err = r.Seek(-int64(len(sourceString))+n, whence)
			}
			if n < 0 {
				assert.Error(t, err)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, n, j)

			tmp := make([]byte, len(sourceString))
			k, err := r.Read(tmp)
			if n >= int64(len(sourceString)) {
				assert.ErrorIs(t, err, io.EOF)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, sourceString[n:n+int64(k)], string(tmp[:k]))
		}
		require.NoError(t, r.Close())
	}
}

func TestReaderAtDoesNotDisturbSeekCursor(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, 4, []byte("test"), []byte("test2"))
	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	defer r.Close()

	oldOffset, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)

	tmp1 := make([]byte, 3)
	k1, err := r.ReadAt(tmp1, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, k1)
	assert.Equal(t, "tte", string(tmp1))

	newOffset, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, oldOffset, newOffset)

	tmp2 := make([]byte, 100)
	k2, err := r.ReadAt(tmp2, 3)
	assert.Error(t, err)
	assert.Equal(t, "ttest2", string(tmp2[:k2]))

	tmpLast := make([]byte, 1)
	kLast, err := r.ReadAt(tmpLast, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, kLast)
	assert.Equal(t, "2", string(tmpLast))

	tmpOOB := make([]byte, 1)
	_, err = r.ReadAt(tmpOOB, 9)
	assert.Error(t, err)

	section := io.NewSectionReader(r, 3, 4)
	out, err := io.ReadAll(section)
	require.NoError(t, err)
	assert.Equal(t, "ttes", string(out))
}

func TestReaderFrameWindowRestrictsRange(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, 4, []byte("AAAA"), []byte("BBBB"), []byte("CCCC"))
	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.SetFrameWindow(1, 1))

	out, err := io.ReadAll(&readerAdapter{r})
	require.NoError(t, err)
	assert.Equal(t, "BBBB", string(out))

	assert.Error(t, r.SetFrameWindow(-1, 1))
	assert.Error(t, r.SetFrameWindow(0, 5))
	assert.Error(t, r.SetFrameWindow(2, 0))
}

func TestReaderOffsetLimitTruncatesRead(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, 1<<20, []byte("0123456789"))
	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.SetOffsetLimit(5))
	out, err := io.ReadAll(&readerAdapter{r})
	require.NoError(t, err)
	assert.Equal(t, "01234", string(out))
}

// readerAdapter turns the Read+EOF contract of Reader into one io.ReadAll
// can drive without caring about the rest of the interface.
type readerAdapter struct{ r Reader }

func (a *readerAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }

func TestReaderStraddlesManySmallFrames(t *testing.T) {
	t.Parallel()

	var parts [][]byte
	var want strings.Builder
	for i := 0; i < 64; i++ {
		line := fmt.Sprintf("line-%04d\n", i)
		parts = append(parts, []byte(line))
		want.WriteString(line)
	}
	archive := buildArchive(t, 8, parts...)

	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	defer r.Close()

	for chunk := 1; chunk <= 17; chunk++ {
		r2, err := NewReader(source.NewBytesSource(archive))
		require.NoError(t, err)

		var got bytes.Buffer
		buf := make([]byte, chunk)
		for {
			n, err := r2.Read(buf)
			got.Write(buf[:n])
			if err != nil {
				assert.ErrorIs(t, err, io.EOF)
				break
			}
		}
		assert.Equal(t, want.String(), got.String(), "chunk size %d", chunk)
		require.NoError(t, r2.Close())
	}
}

func TestReaderHeadFormatWithSeparateTable(t *testing.T) {
	t.Parallel()

	var data, table bytes.Buffer
	w, err := NewWriter(&data, WithWriteSeekTable(false), WithSeekTableFormat(FormatHead))
	require.NoError(t, err)
	_, err = w.Write([]byte("hello seekable world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.WriteSeekTableTo(&table))

	parsedTable, err := Parse(source.NewBytesSource(table.Bytes()), FormatHead)
	require.NoError(t, err)

	r, err := NewReader(source.NewBytesSource(data.Bytes()), WithSeekTable(parsedTable))
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(&readerAdapter{r})
	require.NoError(t, err)
	assert.Equal(t, "hello seekable world", string(out))
}

func TestReaderRejectsClosedUse(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, 1<<20, []byte("x"))
	r, err := NewReader(source.NewBytesSource(archive))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}
