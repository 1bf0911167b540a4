package downloader

import (
	"errors"
)

// ErrDownloadFailed is returned when the package couldn't be transferred.
var ErrDownloadFailed = errors.New("download failed")

// ErrCancelled is returned when the download was cancelled.
var ErrCancelled = errors.New("download cancelled")
