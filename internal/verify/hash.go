// Package verify implements the integrity and authenticity checks run on update packages.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// hashChunkSize is the read size used when streaming files through the hasher.
const hashChunkSize = 8 * 1024

// SHA256File returns the hex encoded SHA-256 of the file at path.
func SHA256File(path string) (string, error) {
	fd, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", err
	}

	defer fd.Close()

	return SHA256Reader(fd)
}

// SHA256Reader returns the hex encoded SHA-256 of everything read from r.
func SHA256Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)

	_, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Data returns the hex encoded SHA-256 of data.
func SHA256Data(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// VerifyFile checks that the file at path hashes to expected.
func VerifyFile(path string, expected string) error {
	actual, err := SHA256File(path)
	if err != nil {
		return err
	}

	return compare(expected, actual)
}

// VerifyData checks that data hashes to expected.
func VerifyData(data []byte, expected string) error {
	return compare(expected, SHA256Data(data))
}

func compare(expected string, actual string) error {
	if actual != strings.ToLower(strings.TrimSpace(expected)) {
		return &HashMismatchError{Expected: expected, Actual: actual}
	}

	return nil
}
