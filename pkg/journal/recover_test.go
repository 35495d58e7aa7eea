package journal_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/go-journal/pkg/entry"
	"github.com/downfa11-org/go-journal/pkg/journal"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertEntries(t *testing.T, j *journal.Journal, data [][]byte) {
	t.Helper()
	for i := j.MinIndex(); i < j.MaxIndex(); i++ {
		e, err := j.Read(i)
		require.NoError(t, err)
		assert.Equal(t, data[i], e.Payload, "entry %d", i)
	}
}

func truncateBy(t *testing.T, path string, n int64) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-n))
}

func TestJournal_Recover(t *testing.T) {
	const size, entriesPerFile = 15, 5
	dir := t.TempDir()
	opts := perFile(entriesPerFile)

	j := openJournal(t, dir, 0, opts)
	data := payloads(entrySize, size)
	raws := make([][]byte, size)
	for i, p := range data {
		raws[i] = entry.Encode(entry.New(p, 8, 0))
	}
	max, err := j.AppendBatchRaw(raws)
	require.NoError(t, err)
	assert.Equal(t, uint64(size), max)
	require.NoError(t, j.Flush())
	require.NoError(t, j.Close())

	t.Run("ExtraBytes", func(t *testing.T) {
		f, err := os.OpenFile(lastFile(t, filepath.Join(dir, journal.DataDir)), os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("Extra bytes")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		j := openJournal(t, dir, 0, opts)
		defer func() { _ = j.Close() }()
		assert.Equal(t, uint64(size), j.MaxIndex())
		assert.Equal(t, uint64(0), j.MinIndex())
		assertEntries(t, j, data)
	})

	t.Run("HalfEntry", func(t *testing.T) {
		truncateBy(t, lastFile(t, filepath.Join(dir, journal.DataDir)), entrySize/3)

		j := openJournal(t, dir, 0, opts)
		defer func() { _ = j.Close() }()
		assert.Equal(t, uint64(size-1), j.MaxIndex())
		assert.Equal(t, uint64(0), j.MinIndex())
		assertEntries(t, j, data)
	})

	t.Run("TruncatedIndex", func(t *testing.T) {
		// one whole record and part of the one before it
		truncateBy(t, lastFile(t, filepath.Join(dir, journal.IndexDir)), types.IndexEntrySize*2-1)

		j := openJournal(t, dir, 0, opts)
		defer func() { _ = j.Close() }()
		assert.Equal(t, uint64(size-1), j.MaxIndex())
		assert.Equal(t, uint64(0), j.MinIndex())
		assertEntries(t, j, data)

		for i := uint64(0); i < j.MaxIndex(); i++ {
			term, err := j.GetTerm(i)
			require.NoError(t, err)
			assert.Equal(t, uint32(8), term)
		}
	})
}

func TestJournal_RecoverSealedFileCutMidEntry(t *testing.T) {
	const size, entriesPerFile = 15, 5
	dir := t.TempDir()
	opts := perFile(entriesPerFile)

	j := openJournal(t, dir, 0, opts)
	data := payloads(entrySize, size)
	for _, p := range data {
		_, err := j.Append(entry.New(p, 8, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// the first data segment loses the tail of its last entry
	truncateBy(t, filepath.Join(dir, journal.DataDir, "00000000000000000000"), entrySize/3)

	j = openJournal(t, dir, 0, opts)
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(entriesPerFile-1), j.MaxIndex())
	assertEntries(t, j, data)

	max, err := j.Append(entry.New(data[4], 8, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(entriesPerFile), max)
}

func TestJournal_RecoverGarbageTail(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir, 0, journal.Options{})
	data := payloads(entrySize, 3)
	for _, p := range data {
		_, err := j.Append(entry.New(p, 2, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// a full header's worth of bytes without the magic
	f, err := os.OpenFile(lastFile(t, filepath.Join(dir, journal.DataDir)), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j = openJournal(t, dir, 0, journal.Options{})
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(3), j.MaxIndex())
	assertEntries(t, j, data)

	max, err := j.Append(entry.New([]byte("next"), 2, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), max)
	e, err := j.Read(3)
	require.NoError(t, err)
	assert.Equal(t, "next", string(e.Payload))
}

func TestJournal_RecoverRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir, 0, journal.Options{})
	data := payloads(entrySize, 10)
	for _, p := range data {
		_, err := j.Append(entry.New(p, 5, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, journal.IndexDir)))

	j = openJournal(t, dir, 0, journal.Options{})
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(10), j.MaxIndex())
	assertEntries(t, j, data)
}

func TestJournal_OpenClampsCommitIndex(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir, 0, journal.Options{})
	for i := 0; i < 4; i++ {
		_, err := j.Append(entry.New(payload(i, 8), 1, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j = openJournal(t, dir, 100, journal.Options{})
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(4), j.CommitIndex())
}

func TestJournal_RecoverIndexTailAfterCompact(t *testing.T) {
	dir := t.TempDir()
	opts := perFile(5)
	data := payloads(entrySize, 12)

	j := openJournal(t, dir, 0, opts)
	for _, p := range data {
		_, err := j.Append(entry.New(p, 1, 0))
		require.NoError(t, err)
	}
	j.Commit(12)
	require.NoError(t, j.Compact(10))
	assert.Equal(t, uint64(10), j.MinIndex())
	require.NoError(t, j.Close())

	// the only live index segment loses both records, data keeps the entries
	indexFile := filepath.Join(dir, journal.IndexDir, fmt.Sprintf("%020d", 10*types.IndexEntrySize))
	require.NoError(t, os.Truncate(indexFile, 5))

	j = openJournal(t, dir, 0, opts)
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(10), j.MinIndex())
	assert.Equal(t, uint64(12), j.MaxIndex())
	assertEntries(t, j, data)
}

func TestJournal_RecoverIndexTailAfterReset(t *testing.T) {
	dir := t.TempDir()
	opts := perFile(5)

	j := openJournal(t, dir, 0, opts)
	for i := 0; i < 7; i++ {
		_, err := j.Append(entry.New(payload(i, entrySize), 1, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Reset(40))
	for i := 40; i < 42; i++ {
		_, err := j.Append(entry.New(payload(i, entrySize), 2, 0))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	indexFile := filepath.Join(dir, journal.IndexDir, fmt.Sprintf("%020d", 40*types.IndexEntrySize))
	require.NoError(t, os.Truncate(indexFile, types.IndexEntrySize-1))

	j = openJournal(t, dir, 0, opts)
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(40), j.MinIndex())
	assert.Equal(t, uint64(42), j.MaxIndex())
	for i := uint64(40); i < 42; i++ {
		e, err := j.Read(i)
		require.NoError(t, err)
		assert.Equal(t, payload(int(i), entrySize), e.Payload)
		assert.Equal(t, uint32(2), e.Term)
	}
}

func TestJournal_RecoverIgnoresCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opts := perFile(5)

	j := openJournal(t, dir, 0, opts)
	for i := 0; i < 12; i++ {
		_, err := j.Append(entry.New(payload(i, entrySize), 1, 0))
		require.NoError(t, err)
	}
	j.Commit(12)
	require.NoError(t, j.Compact(10))
	require.NoError(t, j.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, journal.IndexDir, "checkpoint"), []byte("garbage"), 0o644))
	indexFile := filepath.Join(dir, journal.IndexDir, fmt.Sprintf("%020d", 10*types.IndexEntrySize))
	require.NoError(t, os.Truncate(indexFile, 0))

	// nothing ties the orphaned data to an index, so the log is empty at 10
	j = openJournal(t, dir, 0, opts)
	defer func() { _ = j.Close() }()
	assert.Equal(t, uint64(10), j.MinIndex())
	assert.Equal(t, uint64(10), j.MaxIndex())
}
