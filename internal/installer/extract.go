package installer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/rexos/rexos-updated/api/updates"
)

// extract unpacks a gzip-compressed tar archive into dir and returns the
// relative paths of the files it wrote.
func extract(packagePath string, dir string) ([]string, error) {
	fd, err := os.Open(packagePath) //nolint:gosec
	if err != nil {
		return nil, err
	}

	defer fd.Close()

	gz, err := gzip.NewReader(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}

	defer gz.Close()

	files := []string{}
	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("failed to read package: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if strings.Trim(name, "/") == "" || name == "." {
			continue
		}

		if !updates.IsSafePath(name) {
			return nil, fmt.Errorf("refusing to extract %q outside of the staging directory", header.Name)
		}

		rel := updates.CleanPath(name)
		target := filepath.Join(dir, rel)

		err = checkParents(dir, rel)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0o755)
			if err != nil {
				return nil, err
			}

		case tar.TypeReg:
			err = os.MkdirAll(filepath.Dir(target), 0o755)
			if err != nil {
				return nil, err
			}

			err = writeEntry(tr, target, header.FileInfo().Mode().Perm())
			if err != nil {
				return nil, err
			}

			files = append(files, rel)

		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(target), 0o755)
			if err != nil {
				return nil, err
			}

			err = os.Symlink(header.Linkname, target)
			if err != nil {
				return nil, err
			}

			files = append(files, rel)

		default:
			slog.Warn("Skipping unsupported package entry", "name", header.Name, "type", string(header.Typeflag))
		}
	}

	return files, nil
}

// checkParents makes sure no parent of rel inside dir is a symlink, so that
// extraction can't be redirected outside of dir.
func checkParents(dir string, rel string) error {
	current := dir
	parts := strings.Split(rel, "/")

	for _, part := range parts[:len(parts)-1] {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("refusing to extract %q through a symlink", rel)
		}
	}

	return nil
}

func writeEntry(r io.Reader, target string, mode fs.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, mode) //nolint:gosec
	if err != nil {
		return err
	}

	_, err = io.Copy(out, r) //nolint:gosec
	if err != nil {
		_ = out.Close()

		return err
	}

	err = out.Close()
	if err != nil {
		return err
	}

	return os.Chmod(target, mode)
}
