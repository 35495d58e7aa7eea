package state_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/downfa11-org/go-journal/pkg/state"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHook) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	return nil
}

func (h *recordingHook) Recover(string) error { return h.record("recover") }
func (h *recordingHook) Flush(string) error   { return h.record("flush") }
func (h *recordingHook) Clear(string) error   { return h.record("clear") }

func (h *recordingHook) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

var sampleFiles = map[string][]byte{
	"meta":          []byte("hello state"),
	"a/empty":       {},
	"a/b/data.bin":  bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 1000),
	"z/last.record": []byte("the end"),
}

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
}

func assertFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
	}
}

func newState(t *testing.T, hook state.Hook) *state.LocalState {
	t.Helper()
	s, err := state.Recover(t.TempDir(), hook)
	require.NoError(t, err)
	return s
}

// transfer copies src into dst chunk by chunk.
func transfer(t *testing.T, src, dst *state.LocalState, chunkSize int) {
	t.Helper()
	total, err := src.SerializedDataSize()
	require.NoError(t, err)

	var offset int64
	for {
		chunk, err := src.ReadSerializedTrunk(offset, chunkSize)
		require.NoError(t, err)
		next := offset + int64(len(chunk))
		last := next >= total
		require.NoError(t, dst.InstallSerializedTrunk(chunk, offset, last))
		if last {
			return
		}
		require.NotEmpty(t, chunk)
		offset = next
	}
}

func TestLocalState_TransferRoundTrip(t *testing.T) {
	for _, chunkSize := range []int{1, 7, 512, 1 << 20} {
		src := newState(t, nil)
		writeFiles(t, src.DataPath(), sampleFiles)

		hook := &recordingHook{}
		dst := newState(t, hook)
		writeFiles(t, dst.DataPath(), map[string][]byte{"stale": []byte("old")})

		transfer(t, src, dst, chunkSize)

		assertFiles(t, dst.DataPath(), sampleFiles)
		assert.NoFileExists(t, filepath.Join(dst.DataPath(), "stale"))
		assert.Equal(t, []string{"recover", "clear", "recover"}, hook.Calls())

		total, err := src.SerializedDataSize()
		require.NoError(t, err)
		meta, err := dst.Metadata()
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, total, meta.Size)
		assert.Equal(t, len(sampleFiles), meta.Files)
		assert.NotEmpty(t, meta.ID)
	}
}

func TestLocalState_ReadSerializedTrunk(t *testing.T) {
	s := newState(t, nil)
	writeFiles(t, s.DataPath(), map[string][]byte{
		"b": []byte("0123456789"),
		"a": []byte("xy"),
	})

	header, err := s.ReadSerializedTrunk(0, 1)
	require.NoError(t, err)
	want := append(binary.BigEndian.AppendUint32(nil, 2), 'a', 0x0D, 0x0A)
	want = append(binary.BigEndian.AppendUint32(want, 10), 'b', 0x0D, 0x0A)
	assert.Equal(t, want, header)
	hs := int64(len(header))

	rest, err := s.ReadSerializedTrunk(3, 1)
	require.NoError(t, err)
	assert.Equal(t, header[3:], rest)

	// never crosses a file boundary
	chunk, err := s.ReadSerializedTrunk(hs, 100)
	require.NoError(t, err)
	assert.Equal(t, "xy", string(chunk))

	chunk, err = s.ReadSerializedTrunk(hs+4, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", string(chunk))

	chunk, err = s.ReadSerializedTrunk(hs+12, 3)
	require.NoError(t, err)
	assert.Empty(t, chunk)

	total, err := s.SerializedDataSize()
	require.NoError(t, err)
	assert.Equal(t, hs+12, total)

	// the header ignores size, the body needs a positive one to make progress
	_, err = s.ReadSerializedTrunk(0, 0)
	require.NoError(t, err)
	_, err = s.ReadSerializedTrunk(hs, 0)
	assert.Error(t, err)
	_, err = s.ReadSerializedTrunk(hs+4, -1)
	assert.Error(t, err)
	_, err = s.ReadSerializedTrunk(-1, 10)
	assert.Error(t, err)
}

func TestLocalState_InstallErrors(t *testing.T) {
	src := newState(t, nil)
	writeFiles(t, src.DataPath(), map[string][]byte{"f": []byte("abcdefgh")})
	header, err := src.ReadSerializedTrunk(0, 1024)
	require.NoError(t, err)
	hs := int64(len(header))

	tests := []struct {
		name  string
		steps func(t *testing.T, dst *state.LocalState) error
	}{
		{
			name: "BodyBeforeHeader",
			steps: func(t *testing.T, dst *state.LocalState) error {
				return dst.InstallSerializedTrunk([]byte("abc"), hs, false)
			},
		},
		{
			name: "GapInFile",
			steps: func(t *testing.T, dst *state.LocalState) error {
				require.NoError(t, dst.InstallSerializedTrunk(header, 0, false))
				return dst.InstallSerializedTrunk([]byte("cd"), hs+2, false)
			},
		},
		{
			name: "OverflowFile",
			steps: func(t *testing.T, dst *state.LocalState) error {
				require.NoError(t, dst.InstallSerializedTrunk(header, 0, false))
				return dst.InstallSerializedTrunk([]byte("abcdefghi"), hs, false)
			},
		},
		{
			name: "IncompleteAtLast",
			steps: func(t *testing.T, dst *state.LocalState) error {
				require.NoError(t, dst.InstallSerializedTrunk(header, 0, false))
				return dst.InstallSerializedTrunk([]byte("abc"), hs, true)
			},
		},
		{
			name: "InsideHeader",
			steps: func(t *testing.T, dst *state.LocalState) error {
				require.NoError(t, dst.InstallSerializedTrunk(header, 0, false))
				return dst.InstallSerializedTrunk([]byte("abc"), 2, false)
			},
		},
		{
			name: "MalformedHeader",
			steps: func(t *testing.T, dst *state.LocalState) error {
				return dst.InstallSerializedTrunk(header[:len(header)-1], 0, false)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newState(t, nil)
			err := tt.steps(t, dst)
			assert.True(t, types.IsInstallError(err), "got %v", err)
		})
	}
}

func TestLocalState_InstallRestartsFromZero(t *testing.T) {
	src := newState(t, nil)
	writeFiles(t, src.DataPath(), sampleFiles)
	dst := newState(t, nil)

	header, err := src.ReadSerializedTrunk(0, 64)
	require.NoError(t, err)
	require.NoError(t, dst.InstallSerializedTrunk(header, 0, false))
	chunk, err := src.ReadSerializedTrunk(int64(len(header)), 100)
	require.NoError(t, err)
	require.NoError(t, dst.InstallSerializedTrunk(chunk, int64(len(header)), false))

	// a dropped connection restarts the transfer at offset 0
	transfer(t, src, dst, 100)
	assertFiles(t, dst.DataPath(), sampleFiles)
}

func TestLocalState_RejectsEscapingPaths(t *testing.T) {
	for _, rel := range []string{"../outside", "a/../../outside", "/etc/passwd", ""} {
		dst := newState(t, nil)
		header := binary.BigEndian.AppendUint32(nil, 1)
		header = append(header, rel...)
		header = append(header, 0x0D, 0x0A)

		err := dst.InstallSerializedTrunk(header, 0, false)
		assert.True(t, types.IsInstallError(err), "path %q: %v", rel, err)
	}
}

func TestLocalState_EmptyState(t *testing.T) {
	src := newState(t, nil)
	dst := newState(t, nil)

	total, err := src.SerializedDataSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	chunk, err := src.ReadSerializedTrunk(0, 10)
	require.NoError(t, err)
	assert.Empty(t, chunk)
	require.NoError(t, dst.InstallSerializedTrunk(chunk, 0, true))

	meta, err := dst.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 0, meta.Files)
}

func TestLocalState_ConcurrentDumps(t *testing.T) {
	hook := &recordingHook{}
	s := newState(t, hook)
	writeFiles(t, s.DataPath(), sampleFiles)

	dest := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Dump(filepath.Join(dest, string(rune('a'+i)))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		assertFiles(t, filepath.Join(dest, string(rune('a'+i)), state.DataDir), sampleFiles)
	}
	flushes := 0
	for _, c := range hook.Calls() {
		if c == "flush" {
			flushes++
		}
	}
	assert.Equal(t, 4, flushes)
}

func TestLocalState_Clear(t *testing.T) {
	s := newState(t, nil)
	writeFiles(t, s.DataPath(), sampleFiles)

	require.NoError(t, s.Clear())
	total, err := s.SerializedDataSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.DirExists(t, s.DataPath())
}
