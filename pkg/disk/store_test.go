package disk_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/downfa11-org/go-journal/pkg/disk"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, segmentSize, recordSize int64) *disk.Store {
	t.Helper()
	s, err := disk.Open(disk.Options{Dir: dir, Name: "test", SegmentSize: segmentSize, RecordSize: recordSize})
	require.NoError(t, err)
	return s
}

func segmentFile(dir string, start int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", start))
}

func TestStore_AppendRollsSegments(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 10, 0)
	defer func() { _ = s.Close() }()

	pos, err := s.Append([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = s.Append([]byte("ghijk"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	assert.Equal(t, []int64{0, 6}, s.SegmentStarts())
	assert.Equal(t, int64(11), s.Max())
	assert.FileExists(t, segmentFile(dir, 0))
	assert.FileExists(t, segmentFile(dir, 6))

	got, err := s.ReadAt(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
	got, err = s.ReadAt(6, 5)
	require.NoError(t, err)
	assert.Equal(t, "ghijk", string(got))
}

func TestStore_OversizeRecordGetsOwnSegment(t *testing.T) {
	s := openStore(t, t.TempDir(), 10, 0)
	defer func() { _ = s.Close() }()

	big := bytes.Repeat([]byte{'x'}, 25)
	pos, err := s.Append(big)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = s.Append([]byte("y"))
	require.NoError(t, err)
	assert.Equal(t, int64(25), pos)
	assert.Equal(t, []int64{0, 25}, s.SegmentStarts())

	got, err := s.ReadAt(0, 25)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestStore_ReadAtRange(t *testing.T) {
	s := openStore(t, t.TempDir(), 10, 0)
	defer func() { _ = s.Close() }()

	_, err := s.Append([]byte("abcdef"))
	require.NoError(t, err)
	_, err = s.Append([]byte("ghijk"))
	require.NoError(t, err)

	_, err = s.ReadAt(-1, 1)
	assert.True(t, types.IsRangeError(err))
	_, err = s.ReadAt(10, 2)
	assert.True(t, types.IsRangeError(err))
	// crosses the boundary at 6
	_, err = s.ReadAt(4, 4)
	assert.True(t, types.IsRangeError(err))

	assert.Equal(t, int64(2), s.SegmentRemaining(4))
	assert.Equal(t, int64(0), s.SegmentRemaining(11))
}

func TestStore_ReopenKeepsContents(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 10, 0)
	for _, p := range []string{"abcdef", "ghijk", "lmnop"} {
		_, err := s.Append([]byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openStore(t, dir, 10, 0)
	defer func() { _ = s.Close() }()
	assert.Equal(t, int64(16), s.Max())
	assert.False(t, s.IsDirty())

	got, err := s.ReadAt(6, 5)
	require.NoError(t, err)
	assert.Equal(t, "ghijk", string(got))

	pos, err := s.Append([]byte("q"))
	require.NoError(t, err)
	assert.Equal(t, int64(16), pos)
}

func TestStore_GapDropsLaterSegments(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 10, 0)
	for _, p := range []string{"abcdef", "ghijk", "lmnop"} {
		_, err := s.Append([]byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(segmentFile(dir, 6)))

	s = openStore(t, dir, 10, 0)
	defer func() { _ = s.Close() }()
	assert.Equal(t, int64(6), s.Max())
	assert.Equal(t, []int64{0}, s.SegmentStarts())
	assert.NoFileExists(t, segmentFile(dir, 11))
}

func TestStore_RecordSizeTrimsPartialTail(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 12, 4)
	for i := 0; i < 4; i++ {
		_, err := s.Append([]byte{byte(i), 0, 0, 0})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{0, 12}, s.SegmentStarts())
	require.NoError(t, s.Close())

	f, err := os.OpenFile(segmentFile(dir, 12), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir, 12, 4)
	defer func() { _ = s.Close() }()
	assert.Equal(t, int64(16), s.Max())
}

func TestStore_RecordSizeShortSealedSegment(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 8, 4)
	for i := 0; i < 3; i++ {
		_, err := s.Append([]byte{byte(i), 0, 0, 0})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, os.Truncate(segmentFile(dir, 0), 4))

	s = openStore(t, dir, 8, 4)
	defer func() { _ = s.Close() }()
	assert.Equal(t, int64(4), s.Max())
	assert.NoFileExists(t, segmentFile(dir, 8))

	pos, err := s.Append([]byte{7, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
}

func TestStore_FlushClearsDirty(t *testing.T) {
	s := openStore(t, t.TempDir(), 10, 0)
	defer func() { _ = s.Close() }()

	assert.False(t, s.IsDirty())
	for _, p := range []string{"abcdef", "ghijk"} {
		_, err := s.Append([]byte(p))
		require.NoError(t, err)
	}
	assert.True(t, s.IsDirty())
	assert.Equal(t, int64(0), s.Flushed())

	require.NoError(t, s.Flush())
	assert.False(t, s.IsDirty())
	assert.Equal(t, s.Max(), s.Flushed())

	// sealed segment is now served from its mapping
	got, err := s.ReadAt(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, t.TempDir(), 10, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append([]byte("a"))
	assert.ErrorIs(t, err, types.ErrClosed)
	_, err = s.ReadAt(0, 0)
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, s.Flush(), types.ErrClosed)
}

func TestStore_ConcurrentAppendReadFlush(t *testing.T) {
	s := openStore(t, t.TempDir(), 64, 8)
	defer func() { _ = s.Close() }()

	const n = 500
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		rec := make([]byte, 8)
		for i := 0; i < n; i++ {
			rec[0] = byte(i)
			if _, err := s.Append(rec); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := s.Flush(); err != nil {
				t.Errorf("flush: %v", err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			max := s.Max()
			if max < 8 {
				continue
			}
			pos := max - 8
			got, err := s.ReadAt(pos, 8)
			if err != nil {
				t.Errorf("read %d: %v", pos, err)
				return
			}
			if got[0] != byte(pos/8) {
				t.Errorf("read %d: got record %d", pos, got[0])
				return
			}
		}
	}()

	wg.Wait()
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(n*8), s.Max())
	assert.False(t, s.IsDirty())
}
