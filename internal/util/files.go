package util

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyFile copies src to dst, creating parent directories as needed.
// Symlinks are recreated rather than followed and regular files keep
// their permission bits.
func CopyFile(src string, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(dst), 0o755)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}

		return ReplaceSymlink(target, dst)

	case info.IsDir():
		return os.MkdirAll(dst, info.Mode().Perm())

	case !info.Mode().IsRegular():
		return errors.New("unsupported file type for " + src)
	}

	in, err := os.Open(src) //nolint:gosec
	if err != nil {
		return err
	}

	defer in.Close()

	// Drop whatever was at the destination so a symlink there isn't followed.
	err = os.Remove(dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) //nolint:gosec
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err != nil {
		_ = out.Close()

		return err
	}

	err = out.Sync()
	if err != nil {
		_ = out.Close()

		return err
	}

	err = out.Close()
	if err != nil {
		return err
	}

	// OpenFile applies the umask, set the exact mode afterwards.
	return os.Chmod(dst, info.Mode().Perm())
}

// ReplaceSymlink points path at target, replacing any existing file.
func ReplaceSymlink(target string, path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return os.Symlink(target, path)
}

// PathExists reports whether something exists at path, without following symlinks.
func PathExists(path string) bool {
	_, err := os.Lstat(path)

	return err == nil
}
