package verify

import (
	"errors"
	"fmt"
)

// ErrInvalidPublicKey is returned when a public key can't be decoded.
var ErrInvalidPublicKey = errors.New("invalid public key")

// ErrInvalidPrivateKey is returned when a signing key can't be decoded.
var ErrInvalidPrivateKey = errors.New("invalid private key")

// ErrInvalidSignature is returned when a signature can't be decoded.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrSignatureMismatch is returned when a signature doesn't match the data.
var ErrSignatureMismatch = errors.New("signature verification failed")

// ErrHashMismatch is matched by HashMismatchError.
var ErrHashMismatch = errors.New("hash verification failed")

// HashMismatchError reports the expected and computed digests.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash verification failed: expected %s, got %s", e.Expected, e.Actual)
}

// Is makes HashMismatchError match ErrHashMismatch.
func (*HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}
