package updates

import (
	"time"
)

// DownloadState represents the state of a package download.
type DownloadState string

const (
	// DownloadStatePending is set before the transfer starts.
	DownloadStatePending DownloadState = "pending"

	// DownloadStateDownloading is set while bytes are flowing.
	DownloadStateDownloading DownloadState = "downloading"

	// DownloadStatePaused is set while waiting between retry attempts.
	DownloadStatePaused DownloadState = "paused"

	// DownloadStateCompleted is set once the package is fully on disk.
	DownloadStateCompleted DownloadState = "completed"

	// DownloadStateFailed is set when the download was cancelled or ran out of retries.
	DownloadStateFailed DownloadState = "failed"

	// DownloadStateVerifying is set while the package is being verified.
	DownloadStateVerifying DownloadState = "verifying"
)

// DownloadProgress reports the live state of a package download.
type DownloadProgress struct {
	Version    string        `json:"version"`
	Total      int64         `json:"total"`
	Downloaded int64         `json:"downloaded"`
	Speed      int64         `json:"speed"` // Bytes per second.
	ETA        time.Duration `json:"eta"`
	ETAKnown   bool          `json:"eta_known"`
	State      DownloadState `json:"state"`
}

// Percent returns the download progress in the 0-100 range.
func (p *DownloadProgress) Percent() int {
	if p.Total <= 0 {
		return 0
	}

	percent := int(float64(p.Downloaded) / float64(p.Total) * 100)
	if percent > 100 {
		return 100
	}

	return percent
}

// InstallStep represents a state of the installer.
type InstallStep string

const (
	// InstallStepPreparing creates the staging area.
	InstallStepPreparing InstallStep = "Preparing installation"

	// InstallStepExtracting unpacks the package into staging.
	InstallStepExtracting InstallStep = "Extracting update package"

	// InstallStepVerifying checks staged files against the package manifest.
	InstallStepVerifying InstallStep = "Verifying files"

	// InstallStepBackingUp snapshots the live files about to change.
	InstallStepBackingUp InstallStep = "Creating backup"

	// InstallStepApplying copies staged files over the live system.
	InstallStepApplying InstallStep = "Installing files"

	// InstallStepPostInstall runs post-install actions.
	InstallStepPostInstall InstallStep = "Running post-install scripts"

	// InstallStepDone is set once the install completed.
	InstallStepDone InstallStep = "Done"

	// InstallStepRollingBack restores the previous backup.
	InstallStepRollingBack InstallStep = "Rolling back"
)

// InstallTotalSteps is the number of numbered steps in an installation.
const InstallTotalSteps = 6

// InstallProgress reports the live state of an installation.
type InstallProgress struct {
	Step           InstallStep `json:"step"`
	CurrentStep    int         `json:"current_step"`
	TotalSteps     int         `json:"total_steps"`
	FilesProcessed int         `json:"files_processed"`
	TotalFiles     int         `json:"total_files"`
}

// Percent returns the install progress in the 0-100 range.
func (p *InstallProgress) Percent() int {
	if p.TotalSteps <= 0 {
		return 0
	}

	return int(float64(p.CurrentStep) / float64(p.TotalSteps) * 100)
}

// InstallResult summarizes a completed installation.
type InstallResult struct {
	Version          string `json:"version"`
	FilesUpdated     int    `json:"files_updated"`
	FilesAdded       int    `json:"files_added"`
	FilesRemoved     int    `json:"files_removed"`
	ConfigsPreserved int    `json:"configs_preserved"`
	NeedsReboot      bool   `json:"needs_reboot"`
	RolledBack       bool   `json:"rolled_back"`
}
