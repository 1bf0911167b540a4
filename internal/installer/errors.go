package installer

import (
	"errors"
)

// ErrInstallFailed is returned when extraction, applying files or a script fails.
var ErrInstallFailed = errors.New("installation failed")

// ErrVerificationFailed is returned when a staged file doesn't match its manifest hash.
var ErrVerificationFailed = errors.New("verification failed")

// ErrRollbackFailed is returned when no backup can be restored.
var ErrRollbackFailed = errors.New("rollback failed")
