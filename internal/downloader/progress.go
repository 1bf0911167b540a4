package downloader

import (
	"time"

	"github.com/rexos/rexos-updated/api/updates"
)

// Progress returns a copy of the current download progress, or nil if no
// download was started yet.
func (d *Downloader) Progress() *updates.DownloadProgress {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.progress == nil {
		return nil
	}

	p := *d.progress

	return &p
}

// SetState updates the state of the current download.
func (d *Downloader) SetState(state updates.DownloadState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.progress != nil {
		d.progress.State = state
	}
}

func (d *Downloader) resetProgress(release *updates.ReleaseInfo, downloaded int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.progress = &updates.DownloadProgress{
		Version:    release.Version,
		Total:      release.Size,
		Downloaded: downloaded,
		State:      updates.DownloadStateDownloading,
	}
}

// reportTransfer records the bytes transferred since the previous report.
func (d *Downloader) reportTransfer(downloaded int64, delta int64, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.progress == nil {
		return
	}

	d.progress.Downloaded = downloaded
	d.progress.State = updates.DownloadStateDownloading

	if elapsed <= 0 {
		return
	}

	d.progress.Speed = int64(float64(delta) / elapsed.Seconds())
	d.progress.ETAKnown = d.progress.Speed > 0

	if d.progress.ETAKnown && d.progress.Total > downloaded {
		d.progress.ETA = time.Duration(float64(d.progress.Total-downloaded)/float64(d.progress.Speed)) * time.Second
	} else {
		d.progress.ETA = 0
	}
}
