package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/rexos/rexos-updated/api/updates"
)

// Status values reported in SystemUpdateState.
const (
	UpdateStatusIdle        = "Idle"
	UpdateStatusChecking    = "Checking for updates"
	UpdateStatusAvailable   = "Update available"
	UpdateStatusDownloading = "Downloading"
	UpdateStatusInstalling  = "Installing"
	UpdateStatusRollingBack = "Rolling back"
	UpdateStatusFailed      = "Failed"
)

// SystemUpdate holds the update policy and the current update state.
type SystemUpdate struct {
	Config SystemUpdateConfig `json:"config" yaml:"config"`

	State SystemUpdateState `json:"state" yaml:"state"`
}

// SystemUpdateConfig is the user-editable part of the update policy.
type SystemUpdateConfig struct {
	Channel            updates.Channel                 `json:"channel"                       yaml:"channel"`
	CheckFrequency     string                          `json:"check_frequency"               yaml:"check_frequency"`
	CheckOnBoot        bool                            `json:"check_on_boot"                 yaml:"check_on_boot"`
	AutoInstall        bool                            `json:"auto_install"                  yaml:"auto_install"`
	MaintenanceWindows []SystemUpdateMaintenanceWindow `json:"maintenance_windows,omitempty" yaml:"maintenance_windows,omitempty"`
}

// SystemUpdateState reports what the update daemon last did.
type SystemUpdateState struct {
	CurrentVersion string                 `json:"current_version"      yaml:"current_version"`
	LastCheck      time.Time              `json:"last_check"           yaml:"last_check"`
	Status         string                 `json:"status"               yaml:"status"`
	Available      *updates.ReleaseInfo   `json:"available,omitempty"  yaml:"available,omitempty"`
	LastResult     *updates.InstallResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	LastError      string                 `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NeedsReboot    bool                   `json:"needs_reboot"         yaml:"needs_reboot"`
}

// InProgress reports whether the status is that of a running operation.
func (s *SystemUpdateState) InProgress() bool {
	switch s.Status {
	case UpdateStatusChecking, UpdateStatusDownloading, UpdateStatusInstalling, UpdateStatusRollingBack:
		return true
	default:
		return false
	}
}

// SystemUpdateProgress is returned by the progress endpoint.
type SystemUpdateProgress struct {
	Download *updates.DownloadProgress `json:"download,omitempty" yaml:"download,omitempty"`
	Install  *updates.InstallProgress  `json:"install,omitempty"  yaml:"install,omitempty"`
	Busy     bool                      `json:"busy"               yaml:"busy"`
}

// SystemUpdateBackup describes a backup generation available for rollback.
type SystemUpdateBackup struct {
	Name            string    `json:"name"             yaml:"name"`
	Timestamp       time.Time `json:"timestamp"        yaml:"timestamp"`
	Version         string    `json:"version"          yaml:"version"`
	PreviousVersion string    `json:"previous_version" yaml:"previous_version"`
	Files           int       `json:"files"            yaml:"files"`
	Created         int       `json:"created"          yaml:"created"`
}

// SystemUpdateMaintenanceWindow is a recurring period during which updates
// may be installed automatically. Without days it repeats daily, otherwise
// weekly from the start day to the end day.
type SystemUpdateMaintenanceWindow struct {
	StartDayOfWeek Weekday `json:"start_day_of_week,omitempty" yaml:"start_day_of_week,omitempty"`
	StartHour      int     `json:"start_hour"                  yaml:"start_hour"`
	StartMinute    int     `json:"start_minute"                yaml:"start_minute"`
	EndDayOfWeek   Weekday `json:"end_day_of_week,omitempty"   yaml:"end_day_of_week,omitempty"`
	EndHour        int     `json:"end_hour"                    yaml:"end_hour"`
	EndMinute      int     `json:"end_minute"                  yaml:"end_minute"`
}

// CheckFrequencyNever disables periodic checks.
const CheckFrequencyNever = "never"

// Validate performs basic sanity checks against update configuration.
func (c *SystemUpdateConfig) Validate() error {
	if !c.Channel.IsValid() {
		return fmt.Errorf("invalid update channel %q", c.Channel)
	}

	_, err := c.Interval()
	if err != nil {
		return err
	}

	for i, mw := range c.MaintenanceWindows {
		err := mw.Validate()
		if err != nil {
			return fmt.Errorf("invalid maintenance window %d: %w", i, err)
		}
	}

	return nil
}

// Interval returns the check interval, zero when checks are disabled.
func (c *SystemUpdateConfig) Interval() (time.Duration, error) {
	if c.CheckFrequency == CheckFrequencyNever || c.CheckFrequency == "" {
		return 0, nil
	}

	interval, err := time.ParseDuration(c.CheckFrequency)
	if err != nil {
		return 0, errors.New("invalid update check frequency: " + err.Error())
	}

	if interval < time.Minute {
		return 0, errors.New("update check frequency must be at least one minute")
	}

	return interval, nil
}

// InMaintenanceWindow reports whether t falls in a window. Having no
// windows means updates may happen at any time.
func (c *SystemUpdateConfig) InMaintenanceWindow(t time.Time) bool {
	if len(c.MaintenanceWindows) == 0 {
		return true
	}

	for _, mw := range c.MaintenanceWindows {
		if mw.IsActive(t) {
			return true
		}
	}

	return false
}

// Validate checks the window's fields.
func (w *SystemUpdateMaintenanceWindow) Validate() error {
	if (w.StartDayOfWeek == NONE) != (w.EndDayOfWeek == NONE) {
		return errors.New("both start and end day of week must be provided")
	}

	if w.StartDayOfWeek != NONE && (w.StartDayOfWeek.ToWeekday() < 0 || w.EndDayOfWeek.ToWeekday() < 0) {
		return errors.New("invalid day of week")
	}

	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return errors.New("hours must be between 0 and 23")
	}

	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return errors.New("minutes must be between 0 and 59")
	}

	return nil
}

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// bounds returns the window start and end as minute offsets, along with the
// length of the cycle it repeats on.
func (w *SystemUpdateMaintenanceWindow) bounds() (int, int, int) {
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute

	if w.StartDayOfWeek == NONE {
		return start, end, minutesPerDay
	}

	start += int(w.StartDayOfWeek.ToWeekday()) * minutesPerDay
	end += int(w.EndDayOfWeek.ToWeekday()) * minutesPerDay

	return start, end, minutesPerWeek
}

// position returns t as a minute offset in the given cycle.
func position(t time.Time, cycle int) int {
	minute := t.Hour()*60 + t.Minute()
	if cycle == minutesPerDay {
		return minute
	}

	return int(t.Weekday())*minutesPerDay + minute
}

// IsActive returns true if the window is open at t. Both ends are inclusive.
func (w *SystemUpdateMaintenanceWindow) IsActive(t time.Time) bool {
	start, end, cycle := w.bounds()
	current := position(t, cycle)

	// Windows where the end comes before the start wrap around the cycle.
	if start <= end {
		return start <= current && current <= end
	}

	return current >= start || current <= end
}

// TimeUntilActive returns how long until the window opens after t, zero if it's open.
func (w *SystemUpdateMaintenanceWindow) TimeUntilActive(t time.Time) time.Duration {
	if w.IsActive(t) {
		return 0
	}

	start, _, cycle := w.bounds()
	current := position(t, cycle)

	return time.Duration(((start-current)%cycle+cycle)%cycle) * time.Minute
}
