// Package fsutil provides crash-safe file replacement and copying.
package fsutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"brandmark/core/recovery"
)

// freeSpace is swapped in tests
var freeSpace = recovery.FreeSpace

// CheckDiskSpace fails with a storage error when the volume holding path has
// less than required bytes free. An unknown free size is not an error.
func CheckDiskSpace(path string, required int64) error {
	free, err := freeSpace(filepath.Dir(path))
	if err != nil {
		return nil
	}
	if required > 0 && free < uint64(required) {
		return recovery.New(recovery.CategoryStorage, "disk space check", path,
			fmt.Errorf("%w: need %d bytes, %d free", recovery.ErrInsufficientSpace, required, free))
	}
	return nil
}

// AtomicWriteFile replaces path with data in six steps: temp file in the same
// directory, write, fsync, rename over the target, fsync the directory, then
// verify the size on disk. The target keeps its previous mode when it exists.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := CheckDiskSpace(path, int64(len(data))*2); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := replace(path, bytes.NewReader(data), perm); err != nil {
		return err
	}
	return verifySize(path, int64(len(data)))
}

// CopyFile atomically copies src to dst, creating dst's directory, and keeps
// src's mode and modification time. Returns the number of bytes copied.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, recovery.Wrap(recovery.Classify(err), "open source", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, recovery.Wrap(recovery.Classify(err), "stat source", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, recovery.Wrap(recovery.Classify(err), "create directory", filepath.Dir(dst), err)
	}
	if err := CheckDiskSpace(dst, info.Size()); err != nil {
		return 0, err
	}
	if err := replace(dst, in, info.Mode().Perm()); err != nil {
		return 0, err
	}
	if err := verifySize(dst, info.Size()); err != nil {
		return 0, err
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return info.Size(), nil
}

func replace(path string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return recovery.Wrap(recovery.Classify(err), "create temp file", path, err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return recovery.Wrap(recovery.Classify(err), "write temp file", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return recovery.Wrap(recovery.CategoryStorage, "sync temp file", path, err)
	}
	if err := tmp.Close(); err != nil {
		return recovery.Wrap(recovery.CategoryStorage, "close temp file", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return recovery.Wrap(recovery.Classify(err), "chmod temp file", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return recovery.Wrap(recovery.Classify(err), "rename temp file", path, err)
	}
	renamed = true

	// directory sync is best effort, not every platform supports it
	_ = syncDir(dir)
	return nil
}

func verifySize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return recovery.Wrap(recovery.CategoryIntegrity, "verify replacement", path, err)
	}
	if info.Size() != want {
		return recovery.New(recovery.CategoryIntegrity, "verify replacement", path,
			fmt.Errorf("size %d, expected %d", info.Size(), want))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Exists reports whether path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
