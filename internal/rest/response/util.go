package response

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrETagMismatch is returned when a client changed an outdated copy of a resource.
var ErrETagMismatch = errors.New("ETag doesn't match")

// etagHash hashes the provided data and returns the sha256.
func etagHash(data any) (string, error) {
	etag := sha256.New()
	err := json.NewEncoder(etag).Encode(data)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(etag.Sum(nil)), nil
}

// EtagCheck validates the If-Match header of a request against data.
// Requests without the header always pass.
func EtagCheck(r *http.Request, data any) error {
	match := r.Header.Get("If-Match")
	if match == "" {
		return nil
	}

	hash, err := etagHash(data)
	if err != nil {
		return err
	}

	if fmt.Sprintf("%q", hash) != match && hash != match {
		return ErrETagMismatch
	}

	return nil
}
