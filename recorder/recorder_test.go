package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenlink/scrcpy"
	"screenlink/stream"
)

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closeBuffer) Close() error {
	b.closed = true
	return nil
}

func TestDurationsHeldBackOneUnit(t *testing.T) {
	out := &closeBuffer{}
	r := NewWriter(out, "h264", scrcpy.Size{Width: 720, Height: 1280})
	require.NoError(t, r.Open())

	require.NoError(t, r.Push(stream.Unit{PTS: 1000, Data: []byte("cfg+idr"), Config: true}))
	require.NoError(t, r.Push(stream.Unit{PTS: 34333, Data: []byte("p1")}))
	require.NoError(t, r.Push(stream.Unit{PTS: 67666, Data: []byte("p2")}))
	require.NoError(t, r.Close())
	assert.True(t, out.closed)

	rec, err := Read(&out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, "h264", rec.Codec)
	assert.Equal(t, scrcpy.Size{Width: 720, Height: 1280}, rec.Size)

	want := []Entry{
		{PTS: 1000, Duration: 33333, Config: true, Data: []byte("cfg+idr")},
		{PTS: 34333, Duration: 33333, Data: []byte("p1")},
		{PTS: 67666, Duration: FinalDuration, Data: []byte("p2")},
	}
	assert.Equal(t, want, rec.Entries)
}

func TestEmptyRecording(t *testing.T) {
	out := &closeBuffer{}
	r := NewWriter(out, "h265", scrcpy.Size{})
	require.NoError(t, r.Open())
	require.NoError(t, r.Close())

	rec, err := Read(&out.Buffer)
	require.NoError(t, err)
	assert.Empty(t, rec.Entries)
	assert.Equal(t, "h265", rec.Codec)
}

func TestPushBeforeOpen(t *testing.T) {
	r := NewWriter(&closeBuffer{}, "h264", scrcpy.Size{})
	assert.ErrorIs(t, r.Push(stream.Unit{PTS: 1, Data: []byte{1}}), ErrNotOpen)
	assert.ErrorIs(t, r.Close(), ErrNotOpen)
}

func TestRecordToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.slrec")
	r := New(path, "h264", scrcpy.Size{Width: 1, Height: 2})
	require.NoError(t, r.Open())
	require.NoError(t, r.Push(stream.Unit{PTS: 5, Data: []byte{9}}))
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rec, err := Read(f)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, FinalDuration, rec.Entries[0].Duration)
}

func TestOpenFailure(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "missing", "x.slrec"), "h264", scrcpy.Size{})
	assert.Error(t, r.Open())
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not a recording at all")))
	assert.ErrorIs(t, err, ErrBadFormat)

	out := &closeBuffer{}
	r := NewWriter(out, "h264", scrcpy.Size{})
	require.NoError(t, r.Open())
	require.NoError(t, r.Push(stream.Unit{PTS: 1, Data: []byte{1, 2, 3}}))
	require.NoError(t, r.Close())

	truncated := out.Bytes()[:out.Len()-5]
	_, err = Read(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestRecorderIsRecordSink(t *testing.T) {
	var _ stream.RecordSink = (*Recorder)(nil)
}
