package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFiles(t *testing.T, readOnly bool) *Files {
	t.Helper()
	f, err := NewFiles(t.TempDir(), readOnly)
	require.NoError(t, err)
	return f
}

func TestNewFiles_Validation(t *testing.T) {
	_, err := NewFiles("", false)
	assert.Error(t, err)

	_, err = NewFiles(filepath.Join(t.TempDir(), "missing"), false)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = NewFiles(file, false)
	assert.Error(t, err)
}

func TestFiles_ResolvePath(t *testing.T) {
	f := newFiles(t, false)

	abs, err := f.ResolvePath("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.Root(), "src", "main.go"), abs)

	abs, err = f.ResolvePath(filepath.Join(f.Root(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.Root(), "a.txt"), abs)

	for _, bad := range []string{"../escape", "src/../../escape", "/etc/passwd"} {
		_, err := f.ResolvePath(bad)
		assert.ErrorIs(t, err, ErrOutsideRoot, bad)
	}
}

func TestFiles_ReadWrite(t *testing.T) {
	f := newFiles(t, false)

	require.NoError(t, f.WriteFile("nested/dir/file.txt", []byte("hello")))
	data, err := f.ReadFile("nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := f.Stat("nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "nested/dir/file.txt", info.Path)
	assert.Equal(t, int64(5), info.Size)

	_, err = f.ReadFile("missing.txt")
	assert.Error(t, err)
}

func TestFiles_ReadOnly(t *testing.T) {
	f := newFiles(t, true)
	assert.ErrorIs(t, f.WriteFile("a.txt", []byte("x")), ErrReadOnly)
}

func TestDocuments_LastModifiedFallsBackToDisk(t *testing.T) {
	f := newFiles(t, false)
	require.NoError(t, f.WriteFile("a.txt", []byte("x")))

	docs, err := NewDocuments(f)
	require.NoError(t, err)
	defer docs.Close()

	mod, ok := docs.LastModified("a.txt")
	require.True(t, ok)
	info, err := f.Stat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(mod))

	_, ok = docs.LastModified("missing.txt")
	assert.False(t, ok)
	_, ok = docs.LastModified("../outside")
	assert.False(t, ok)
}

func TestDocuments_Touch(t *testing.T) {
	f := newFiles(t, false)
	docs, err := NewDocuments(f)
	require.NoError(t, err)
	defer docs.Close()

	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	docs.now = func() time.Time { return fixed }
	docs.Touch("draft.md")

	mod, ok := docs.LastModified("./draft.md")
	require.True(t, ok)
	assert.Equal(t, fixed, mod)
}

func TestDocuments_WatchPicksUpWrites(t *testing.T) {
	f := newFiles(t, false)
	require.NoError(t, f.WriteFile("watched.txt", []byte("v1")))

	docs, err := NewDocuments(f)
	require.NoError(t, err)
	defer docs.Close()
	require.NoError(t, docs.Watch("watched.txt"))

	before, ok := docs.LastModified("watched.txt")
	require.True(t, ok)

	later := before.Add(time.Hour)
	docs.mu.Lock()
	docs.now = func() time.Time { return later }
	docs.mu.Unlock()

	require.NoError(t, f.WriteFile("watched.txt", []byte("v2")))

	assert.Eventually(t, func() bool {
		mod, ok := docs.LastModified("watched.txt")
		return ok && !mod.Before(later)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDocuments_CloseIdempotent(t *testing.T) {
	docs, err := NewDocuments(newFiles(t, false))
	require.NoError(t, err)
	assert.NoError(t, docs.Close())
	assert.NoError(t, docs.Close())
}

func TestChanSink(t *testing.T) {
	s := NewChanSink(1)
	s.Notify(Notice{Level: LevelError, Message: "first"})
	s.Notify(Notice{Level: LevelError, Message: "second"})

	n := <-s.C()
	assert.Equal(t, "first", n.Message)
	assert.Equal(t, 1, s.Dropped())

	s.Close()
	s.Notify(Notice{Message: "after close"})
	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestMultiSink(t *testing.T) {
	a, b := NewChanSink(2), NewChanSink(2)
	MultiSink{a, nil, b, NewLogSink()}.Notify(Notice{Level: LevelWarning, Message: "reconnecting"})
	assert.Equal(t, "reconnecting", (<-a.C()).Message)
	assert.Equal(t, "reconnecting", (<-b.C()).Message)
}
