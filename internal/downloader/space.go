package downloader

import (
	"os"

	"golang.org/x/sys/unix"
)

// AvailableSpace returns the number of bytes available to unprivileged users
// on the filesystem holding the download directory.
func (d *Downloader) AvailableSpace() (uint64, error) {
	err := os.MkdirAll(d.dir, 0o755)
	if err != nil {
		return 0, err
	}

	var st unix.Statfs_t

	err = unix.Statfs(d.dir, &st)
	if err != nil {
		return 0, err
	}

	return uint64(st.Bavail) * uint64(st.Bsize), nil //nolint:gosec
}
