package wal

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replayAll(t *testing.T, l *Log) []Entry {
	t.Helper()
	var entries []Entry
	err := l.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	return entries
}

func TestLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.log")

	w, err := Open(path)
	require.NoError(t, err)

	off, size, err := w.Append([]byte("k1"), []byte("entry1"))
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+2), off)
	assert.Equal(t, uint32(6), size)

	_, _, err = w.Append([]byte("k2"), []byte("entry2-longer"))
	require.NoError(t, err)
	require.NoError(t, w.AppendTombstone([]byte("k1")))
	_, _, err = w.Append([]byte("k3"), []byte{})
	require.NoError(t, err)

	val, err := w.ReadValue(off, size)
	require.NoError(t, err)
	assert.Equal(t, []byte("entry1"), val)

	wantSize := int64(HeaderSize+2+6) + int64(HeaderSize+2+13) + int64(HeaderSize+2) + int64(HeaderSize+2)
	assert.Equal(t, wantSize, w.Size())
	require.NoError(t, w.Close())

	// Reopen and verify
	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	entries := replayAll(t, w2)
	require.Len(t, entries, 4)
	assert.Equal(t, []byte("k1"), entries[0].Key)
	assert.False(t, entries[0].Tombstone)
	assert.Equal(t, off, entries[0].ValueOffset)

	assert.Equal(t, []byte("k2"), entries[1].Key)
	v2, err := w2.ReadValue(entries[1].ValueOffset, entries[1].ValueSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("entry2-longer"), v2)

	assert.Equal(t, []byte("k1"), entries[2].Key)
	assert.True(t, entries[2].Tombstone)

	assert.Equal(t, []byte("k3"), entries[3].Key)
	assert.False(t, entries[3].Tombstone)
	assert.Equal(t, uint32(0), entries[3].ValueSize)
}

func TestLogTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.log")
	w, err := Open(path)
	require.NoError(t, err)
	_, _, err = w.Append([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, _, err = w.Append([]byte("b"), []byte("2"))
	require.NoError(t, err)
	whole := w.Size()
	require.NoError(t, w.Close())

	// Simulate a crash half way through a third record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 1, 0, 0, 0, 5, 'c', '3'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	entries := replayAll(t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, whole, w.Size())

	// Appends after the truncation are readable on the next replay.
	_, _, err = w.Append([]byte("c"), []byte("3"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()
	entries = replayAll(t, w)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("c"), entries[2].Key)
}

func TestLogTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdr.log")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0}, 0644))

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Empty(t, replayAll(t, w))
	assert.Equal(t, int64(0), w.Size())
}

func TestLogExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.log")
	w, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	require.Error(t, err)
	assert.Equal(t, ErrLocked, errors.Cause(err))

	require.NoError(t, w.Close())
	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestLogCreateTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	w, err := Open(path)
	require.NoError(t, err)
	_, _, err = w.Append([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Create(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, int64(0), w.Size())
	assert.Empty(t, replayAll(t, w))
}

func TestLogClosed(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "closed.log"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, _, err = w.Append([]byte("k"), []byte("v"))
	assert.Equal(t, ErrClosed, err)
	_, err = w.ReadValue(0, 1)
	assert.Equal(t, ErrClosed, err)
}

func TestLogAppendBuffered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered.log")
	w, err := Create(path)
	require.NoError(t, err)

	var offsets []int64
	for i := 0; i < 1000; i++ {
		off, size, err := w.AppendBuffered([]byte{byte(i >> 8), byte(i)}, []byte("value"))
		require.NoError(t, err)
		assert.Equal(t, uint32(5), size)
		offsets = append(offsets, off)
	}
	assert.Equal(t, 0, w.syncs)
	assert.Equal(t, int64(1000*(HeaderSize+2+5)), w.Size())

	require.NoError(t, w.Sync())
	assert.Equal(t, 1, w.syncs)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, w.Size(), fi.Size())

	// A synced append after buffered ones lands after them.
	_, _, err = w.AppendBuffered([]byte("x"), []byte("1"))
	require.NoError(t, err)
	off, _, err := w.Append([]byte("y"), []byte("2"))
	require.NoError(t, err)
	v, err := w.ReadValue(off, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	v, err = w.ReadValue(offsets[999], 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()
	entries := replayAll(t, w)
	require.Len(t, entries, 1002)
	assert.Equal(t, []byte{0x03, 0xe7}, entries[999].Key)
	assert.Equal(t, []byte("x"), entries[1000].Key)
	assert.Equal(t, []byte("y"), entries[1001].Key)
}

func TestLogCloseFlushesBuffered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.log")
	w, err := Create(path)
	require.NoError(t, err)
	_, _, err = w.AppendBuffered([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, replayAll(t, w), 1)
}

func TestLogRename(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "a.log"))
	require.NoError(t, err)
	defer w.Close()
	_, _, err = w.Append([]byte("k"), []byte("v"))
	require.NoError(t, err)

	dst := filepath.Join(dir, "b.log")
	require.NoError(t, w.Rename(dst))
	assert.Equal(t, dst, w.Path())
	_, err = os.Stat(filepath.Join(dir, "a.log"))
	assert.True(t, os.IsNotExist(err))

	if runtime.GOOS != "windows" {
		assert.Error(t, syncDir(filepath.Join(dir, "missing")))
	}
}
