package backup

import (
	"errors"
)

// ErrNoBackup is returned when no backup generation is available.
var ErrNoBackup = errors.New("no backup available")

// ErrBackupManifest is returned when a backup manifest can't be read or written.
var ErrBackupManifest = errors.New("invalid backup manifest")
