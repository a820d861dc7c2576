package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brandmark/core/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFileReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.NoError(t, AtomicWriteFile(path, []byte("new content"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}

func TestCopyFilePreservesBytesAndTime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jpg")
	payload := []byte{0xFF, 0xD8, 0xFF, 1, 2, 3, 4}
	require.NoError(t, os.WriteFile(src, payload, 0o644))
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	dst := filepath.Join(dir, "nested", "deeper", "a.jpg")
	n, err := CopyFile(src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestCopyFileMissingSource(t *testing.T) {
	_, err := CopyFile(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, recovery.CategoryIntegrity, recovery.Classify(err))
}

func TestCheckDiskSpace(t *testing.T) {
	orig := freeSpace
	t.Cleanup(func() { freeSpace = orig })

	freeSpace = func(string) (uint64, error) { return 10, nil }
	err := CheckDiskSpace("/tmp/x", 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recovery.ErrInsufficientSpace))
	assert.Equal(t, recovery.CategoryStorage, recovery.Classify(err))

	freeSpace = func(string) (uint64, error) { return 0, errors.New("unknown") }
	assert.NoError(t, CheckDiskSpace("/tmp/x", 100))
}
