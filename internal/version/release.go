package version

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// DefaultReleaseFile is where the running image records its version.
const DefaultReleaseFile = "/etc/rexos-release"

// Build is the version compiled into the binary, used when no release file is present.
var Build = "0.1.0"

// ErrReleaseNotFound is returned when the release file has no VERSION key.
var ErrReleaseNotFound = errors.New("couldn't determine current release")

// ReadRelease returns the VERSION value from a release file.
func ReadRelease(path string) (string, error) {
	fd, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", err
	}

	defer fd.Close()

	fdScan := bufio.NewScanner(fd)
	for fdScan.Scan() {
		fields := strings.SplitN(fdScan.Text(), "=", 2)
		if len(fields) != 2 {
			continue
		}

		if strings.TrimSpace(fields[0]) == "VERSION" {
			value := strings.Trim(strings.TrimSpace(fields[1]), "\"'")
			if value != "" {
				return value, nil
			}
		}
	}

	err = fdScan.Err()
	if err != nil {
		return "", err
	}

	return "", ErrReleaseNotFound
}

// Current returns the running release, falling back to the build version
// when the release file is missing or doesn't carry a version.
func Current(path string) (string, error) {
	v, err := ReadRelease(path)
	if err == nil {
		return v, nil
	}

	if os.IsNotExist(err) || errors.Is(err, ErrReleaseNotFound) {
		return Build, nil
	}

	return "", err
}
