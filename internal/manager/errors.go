package manager

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
)

// ErrBusy is returned when another update operation is already running.
var ErrBusy = errors.New("an update operation is already in progress")

// ErrNoUpdate is returned by Update when nothing newer is available.
var ErrNoUpdate = errors.New("no update available")

// ErrVerificationFailed is returned when a package fails its hash or signature check.
var ErrVerificationFailed = errors.New("verification failed")

// ErrInvalidManifest is returned when a release manifest doesn't allow the update.
var ErrInvalidManifest = errors.New("invalid manifest")

// ErrInsufficientSpace is matched by InsufficientSpaceError.
var ErrInsufficientSpace = errors.New("insufficient space")

// InsufficientSpaceError reports how much space an update needs.
type InsufficientSpaceError struct {
	Needed    uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space: need %s, have %s", units.HumanSize(float64(e.Needed)), units.HumanSize(float64(e.Available)))
}

// Is makes errors.Is match ErrInsufficientSpace.
func (*InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}
