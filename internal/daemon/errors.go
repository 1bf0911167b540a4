package daemon

import (
	"errors"
)

// ErrNoPackage is returned when installing before a verified package was downloaded.
var ErrNoPackage = errors.New("no verified update package is staged")
