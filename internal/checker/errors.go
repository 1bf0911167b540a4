package checker

import (
	"errors"
)

// ErrCheckFailed is returned when the update server gives an unexpected answer.
var ErrCheckFailed = errors.New("update check failed")

// ErrInvalidManifest is returned when a release manifest can't be retrieved or decoded.
var ErrInvalidManifest = errors.New("invalid manifest")
