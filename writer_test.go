package seekable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bytesErr struct {
	tag           uint32
	input         []byte
	expectedBytes []byte
	expectErr     bool
}

func TestCreateSkippableFrame(t *testing.T) {
	t.Parallel()

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)

	for i, tab := range []bytesErr{
		{
			tag:           0x00,
			input:         []byte{},
			expectedBytes: nil,
			expectErr:     false,
		}, {
			tag:           0x01,
			input:         []byte{'T'},
			expectedBytes: []byte{0x51, 0x2a, 0x4d, 0x18, 0x01, 0x00, 0x00, 0x00, 'T'},
			expectErr:     false,
		}, {
			tag:       0xff,
			input:     []byte{'T'},
			expectErr: true,
		},
	} {
		tab := tab
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			t.Parallel()
			actualBytes, err := createSkippableFrame(tab.tag, tab.input)
			if tab.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tab.expectedBytes, actualBytes)
			if actualBytes != nil {
				decoded, err := dec.DecodeAll(actualBytes, nil)
				assert.NoError(t, err)
				assert.Equal(t, []byte(nil), decoded)
			}
		})
	}
}

func TestWriterAccumulatesBelowThreshold(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	w, err := NewWriter(&b, WithZSTDEOptions(zstd.WithEncoderLevel(zstd.SpeedFastest)))
	require.NoError(t, err)

	bytes1 := []byte("test")
	bytes2 := []byte("test2")
	_, err = w.Write(bytes1)
	require.NoError(t, err)
	_, err = w.Write(bytes2)
	require.NoError(t, err)

	// Below WithMaxFrameSize, both writes land in the same pending frame.
	sw := w.(*writerImpl)
	assert.Equal(t, 0, len(sw.table.entries))
	assert.Equal(t, append(append([]byte{}, bytes1...), bytes2...), sw.pending)

	require.NoError(t, w.Close())
	assert.Equal(t, int64(1), sw.table.NumFrames())

	buf := b.Bytes()
	assert.Equal(t, []byte{0xb1, 0xea, 0x92, 0x8f}, buf[len(buf)-4:])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[len(buf)-9:len(buf)-5]))

	br := bytes.NewReader(buf)
	dec, err := zstd.NewReader(br)
	require.NoError(t, err)
	readBuf := make([]byte, 1024)
	n, err := dec.Read(readBuf)
	assert.ErrorIs(t, err, io.EOF)
	concat := append(append([]byte{}, bytes1...), bytes2...)
	assert.Equal(t, len(concat), n)
	assert.Equal(t, concat, readBuf[:n])
}

func TestWriterSplitsOnMaxFrameSize(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	w, err := NewWriter(&b, WithMaxFrameSize(4))
	require.NoError(t, err)

	// 10 bytes at a 4-byte threshold: frames of 4, 4, then 2 pending at Close.
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	sw := w.(*writerImpl)
	assert.Equal(t, int64(2), sw.table.NumFrames())
	assert.Equal(t, []byte("89"), sw.pending)

	require.NoError(t, w.Close())
	assert.Equal(t, int64(3), sw.table.NumFrames())

	entry0, err := sw.table.Entry(0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, entry0.DecompressedSize)
	entry2, err := sw.table.Entry(2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, entry2.DecompressedSize)
}

func TestWriterEpilogueAlignedWriteClosesEagerly(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	w, err := NewWriter(&b, WithMaxFrameSize(4))
	require.NoError(t, err)

	_, err = w.Write([]byte("0123"))
	require.NoError(t, err)

	sw := w.(*writerImpl)
	assert.Equal(t, int64(1), sw.table.NumFrames(), "a write landing exactly on the threshold closes the frame immediately")
	assert.Empty(t, sw.pending)

	require.NoError(t, w.Close())
	assert.Equal(t, int64(1), sw.table.NumFrames(), "Close must not emit a spurious empty frame")
}

func TestWriterRejectsWriteAfterClose(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	w, err := NewWriter(&b)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestWithMaxFrameSizeRejectsZero(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	_, err := NewWriter(&b, WithMaxFrameSize(0))
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestWriterHeadFormatSideFile(t *testing.T) {
	t.Parallel()

	var data, table bytes.Buffer
	w, err := NewWriter(&data, WithWriteSeekTable(false), WithSeekTableFormat(FormatHead))
	require.NoError(t, err)

	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, w.WriteSeekTableTo(&table))
	assert.NotEmpty(t, table.Bytes())

	dec, err := zstd.NewReader(bytes.NewReader(data.Bytes()))
	require.NoError(t, err)
	out, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func BenchmarkWrite(b *testing.B) {
	sizes := []struct {
		input []byte
	}{
		{input: make([]byte, 128)},
		{input: make([]byte, 4*1024)},
		{input: make([]byte, 16*1024)},
		{input: make([]byte, 64*1024)},
		{input: make([]byte, 1*1024*1024)},
	}
	for _, data := range sizes {
		writeBuf := data.input
		var buf bytes.Buffer
		w, err := NewWriter(&buf)
		if err != nil {
			b.Fatal(err)
		}

		b.Run(fmt.Sprintf("%d", len(writeBuf)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := w.Write(writeBuf); err != nil {
					b.Fatal(err)
				}
			}
			if err := w.Close(); err != nil {
				b.Fatal(err)
			}
			buf.Reset()
		})
	}
}
