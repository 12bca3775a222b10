package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	t.Run("CreatesParents", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "a", "b", "out.txt")
		require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("ReplacesAndKeepsMode", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "script.sh")
		require.NoError(t, os.WriteFile(path, []byte("old"), 0o755))
		require.NoError(t, os.Chmod(path, 0o755))

		require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o600))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
		got, _ := os.ReadFile(path)
		assert.Equal(t, "new", string(got))
	})

	t.Run("NoTempLeftovers", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "f.txt")
		for i := 0; i < 3; i++ {
			require.NoError(t, WriteFileAtomic(path, []byte(strings.Repeat("x", i)), 0))
		}
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "f.txt", entries[0].Name())
	})
}

func TestCreateFileExclusive(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissing", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "sub", "new.txt")
		require.NoError(t, CreateFileExclusive(path, []byte("fresh"), 0))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(got))

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1, "temp file is removed")
	})

	t.Run("ExistingTargetKept", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "taken.txt")
		require.NoError(t, os.WriteFile(path, []byte("user"), 0o644))

		err := CreateFileExclusive(path, []byte("agent"), 0)
		require.ErrorIs(t, err, fs.ErrExist)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "user", string(got))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})
}

func TestWriteJSONAtomic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}, 0o600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.True(t, strings.HasSuffix(string(got), "\n"))
}

func TestReadStamped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	data, first, err := ReadStamped(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, HashBytes([]byte("one")), first.Hash)
	assert.True(t, strings.HasPrefix(first.Hash, "sha256:"))
	assert.EqualValues(t, 3, first.Size)

	_, again, err := ReadStamped(path)
	require.NoError(t, err)
	assert.True(t, first.Equal(again))

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	_, changed, err := ReadStamped(path)
	require.NoError(t, err)
	assert.False(t, first.Equal(changed))

	// same bytes, different mtime
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	later := first.ModTime.Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	_, touched, err := ReadStamped(path)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, touched.Hash)
	assert.False(t, first.Equal(touched))

	_, _, err = ReadStamped(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestExists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	ok, err := Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}
