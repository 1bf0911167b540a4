// Package daemon ties the update manager to the persisted state, the
// configuration file and the periodic jobs.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rexos/rexos-updated/api"
	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/config"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/scheduling"
	"github.com/rexos/rexos-updated/internal/state"
)

// Daemon holds the long-lived update components.
type Daemon struct {
	configPath string

	mu      sync.Mutex
	config  *config.Config
	pending *pendingPackage

	state     *state.State
	manager   *manager.Manager
	scheduler *scheduling.Scheduler

	// ctx bounds operations started from the REST API.
	ctx context.Context //nolint:containedctx
	wg  sync.WaitGroup

	now func() time.Time
}

type pendingPackage struct {
	release updates.ReleaseInfo
	path    string
}

// New returns a Daemon. The configuration is written back to configPath
// when changed through SetConfig; an empty path keeps changes in memory.
func New(ctx context.Context, configPath string, cfg *config.Config, s *state.State, m *manager.Manager, sched *scheduling.Scheduler) *Daemon {
	return &Daemon{
		configPath: configPath,
		config:     cfg,
		state:      s,
		manager:    m,
		scheduler:  sched,
		ctx:        ctx,
		now:        time.Now,
	}
}

// Start records the running version, registers the periodic jobs and runs
// the boot time check when enabled.
func (d *Daemon) Start(ctx context.Context) error {
	current, err := d.manager.CurrentVersion()
	if err != nil {
		return err
	}

	err = d.state.Modify(func(s *api.SystemUpdateState) {
		// An interrupted operation doesn't survive a restart.
		if s.Status != api.UpdateStatusAvailable && s.Status != api.UpdateStatusFailed {
			s.Status = api.UpdateStatusIdle
		}

		if s.CurrentVersion != current {
			slog.InfoContext(ctx, "Running a new release", "previous", s.CurrentVersion, "current", current)

			s.CurrentVersion = current
			s.NeedsReboot = false
			s.Available = nil
			s.Status = api.UpdateStatusIdle
		}
	})
	if err != nil {
		return err
	}

	cfg := d.Config()

	err = d.schedule(cfg)
	if err != nil {
		return err
	}

	if d.config.CleanupSchedule != "" {
		err = d.scheduler.RegisterJob(scheduling.JobCleanup, d.config.CleanupSchedule, d.cleanup)
		if err != nil {
			return err
		}
	}

	d.scheduler.Start()

	if cfg.CheckOnBoot {
		d.background(d.scheduledCheck)
	}

	return nil
}

// Wait blocks until background operations have returned.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Config returns the current update policy.
func (d *Daemon) Config() api.SystemUpdateConfig {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.config.Update
}

// SetConfig validates and applies a new update policy, then persists it.
func (d *Daemon) SetConfig(cfg api.SystemUpdateConfig) error {
	if cfg.Channel == "" {
		cfg.Channel = updates.ChannelStable
	}

	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.Channel != d.config.Update.Channel {
		err = d.manager.SetChannel(cfg.Channel)
		if err != nil {
			return err
		}

		// A release found on another channel no longer applies.
		d.pending = nil

		err = d.state.Modify(func(s *api.SystemUpdateState) {
			s.Available = nil

			if s.Status == api.UpdateStatusAvailable {
				s.Status = api.UpdateStatusIdle
			}
		})
		if err != nil {
			return err
		}
	}

	err = d.schedule(cfg)
	if err != nil {
		return err
	}

	d.config.Update = cfg

	if d.configPath == "" {
		return nil
	}

	return d.config.Save(d.configPath)
}

// Status returns the update policy and state.
func (d *Daemon) Status() api.SystemUpdate {
	return api.SystemUpdate{
		Config: d.Config(),
		State:  d.state.Get(),
	}
}

// Progress returns the progress of the running or last operation.
func (d *Daemon) Progress() api.SystemUpdateProgress {
	return api.SystemUpdateProgress{
		Download: d.manager.DownloadProgress(),
		Install:  d.manager.InstallProgress(),
		Busy:     d.manager.Busy(),
	}
}

// Backups lists the rollback generations, oldest first.
func (d *Daemon) Backups() ([]api.SystemUpdateBackup, error) {
	generations, err := d.manager.Backups()
	if err != nil {
		return nil, err
	}

	backups := make([]api.SystemUpdateBackup, 0, len(generations))

	for _, gen := range generations {
		backups = append(backups, api.SystemUpdateBackup{
			Name:            gen.Name,
			Timestamp:       gen.Manifest.Timestamp,
			Version:         gen.Manifest.Version,
			PreviousVersion: gen.Manifest.PreviousVersion,
			Files:           len(gen.Manifest.Files),
			Created:         len(gen.Manifest.Created),
		})
	}

	return backups, nil
}

// Check asks the server for a newer release and records the answer.
func (d *Daemon) Check(ctx context.Context) (*updates.ReleaseInfo, error) {
	if d.manager.Busy() {
		return nil, manager.ErrBusy
	}

	_ = d.setStatus(api.UpdateStatusChecking)

	release, err := d.manager.Check(ctx)
	if err != nil {
		d.fail(ctx, "Update check failed", err)

		return nil, err
	}

	err = d.state.Modify(func(s *api.SystemUpdateState) {
		s.LastCheck = d.now()
		s.Available = release
		s.LastError = ""

		if release != nil {
			s.Status = api.UpdateStatusAvailable
		} else {
			s.Status = api.UpdateStatusIdle
		}
	})
	if err != nil {
		return nil, err
	}

	if release == nil {
		slog.InfoContext(ctx, "System is already running the latest release", "channel", d.manager.Channel())

		return nil, nil //nolint:nilnil
	}

	slog.InfoContext(ctx, "Update available", "version", release.Version, "channel", release.Channel, "critical", release.Critical)

	return release, nil
}

// StartDownload downloads and verifies the available release in the background.
func (d *Daemon) StartDownload() error {
	release := d.state.Get().Available
	if release == nil {
		return manager.ErrNoUpdate
	}

	if d.manager.Busy() {
		return manager.ErrBusy
	}

	_ = d.setStatus(api.UpdateStatusDownloading)

	d.background(func(ctx context.Context) error {
		_, err := d.download(ctx, release)

		return err
	})

	return nil
}

// StartInstall installs the downloaded package in the background.
func (d *Daemon) StartInstall() error {
	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()

	if pending == nil {
		return ErrNoPackage
	}

	if d.manager.Busy() {
		return manager.ErrBusy
	}

	_ = d.setStatus(api.UpdateStatusInstalling)

	d.background(func(ctx context.Context) error {
		return d.install(ctx, pending)
	})

	return nil
}

// StartUpdate runs a full update cycle in the background.
func (d *Daemon) StartUpdate() error {
	if d.manager.Busy() {
		return manager.ErrBusy
	}

	_ = d.setStatus(api.UpdateStatusDownloading)

	d.background(d.update)

	return nil
}

// Rollback restores the most recent backup generation.
func (d *Daemon) Rollback(ctx context.Context) (*api.SystemUpdateBackup, error) {
	if d.manager.Busy() {
		return nil, manager.ErrBusy
	}

	_ = d.setStatus(api.UpdateStatusRollingBack)

	gen, err := d.manager.Rollback(ctx)
	if err != nil {
		d.fail(ctx, "Rollback failed", err)

		return nil, err
	}

	current, err := d.manager.CurrentVersion()
	if err != nil {
		return nil, err
	}

	err = d.state.Modify(func(s *api.SystemUpdateState) {
		s.CurrentVersion = current
		s.Status = api.UpdateStatusIdle
		s.LastError = ""
		s.NeedsReboot = true
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Rolled back update", "backup", gen.Name, "version", current)

	return &api.SystemUpdateBackup{
		Name:            gen.Name,
		Timestamp:       gen.Manifest.Timestamp,
		Version:         gen.Manifest.Version,
		PreviousVersion: gen.Manifest.PreviousVersion,
		Files:           len(gen.Manifest.Files),
		Created:         len(gen.Manifest.Created),
	}, nil
}

// Cancel stops the running download or install.
func (d *Daemon) Cancel() {
	d.manager.Cancel()
}

func (d *Daemon) background(fn func(context.Context) error) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		// Errors are recorded in the state by the operations themselves.
		_ = fn(d.ctx)
	}()
}

// scheduledCheck checks for an update and installs it when the policy allows.
func (d *Daemon) scheduledCheck(ctx context.Context) error {
	release, err := d.Check(ctx)
	if err != nil {
		if errors.Is(err, manager.ErrBusy) {
			return nil
		}

		return err
	}

	if release == nil {
		return nil
	}

	cfg := d.Config()
	if !cfg.AutoInstall {
		return nil
	}

	if !cfg.InMaintenanceWindow(d.now()) {
		slog.InfoContext(ctx, "Deferring update until the next maintenance window", "version", release.Version)

		return nil
	}

	err = d.update(ctx)
	if errors.Is(err, manager.ErrNoUpdate) {
		return nil
	}

	return err
}

func (d *Daemon) download(ctx context.Context, release *updates.ReleaseInfo) (*pendingPackage, error) {
	_ = d.setStatus(api.UpdateStatusDownloading)

	path, err := d.manager.Download(ctx, release)
	if err != nil {
		d.fail(ctx, "Update download failed", err)

		return nil, err
	}

	err = d.manager.Verify(path, release)
	if err != nil {
		d.fail(ctx, "Update verification failed", err)

		return nil, err
	}

	pending := &pendingPackage{release: *release, path: path}

	d.mu.Lock()
	d.pending = pending
	d.mu.Unlock()

	_ = d.setStatus(api.UpdateStatusAvailable)

	slog.InfoContext(ctx, "Update downloaded and verified", "version", release.Version, "path", path)

	return pending, nil
}

func (d *Daemon) install(ctx context.Context, pending *pendingPackage) error {
	_ = d.setStatus(api.UpdateStatusInstalling)

	// Re-check the package in case it changed on disk since the download.
	err := d.manager.Verify(pending.path, &pending.release)
	if err != nil {
		d.fail(ctx, "Update verification failed", err)

		return err
	}

	result, err := d.manager.Install(ctx, pending.path)

	return d.finish(ctx, result, err)
}

func (d *Daemon) update(ctx context.Context) error {
	_ = d.setStatus(api.UpdateStatusDownloading)

	result, err := d.manager.Update(ctx)
	if errors.Is(err, manager.ErrNoUpdate) {
		_ = d.state.Modify(func(s *api.SystemUpdateState) {
			s.LastCheck = d.now()
			s.Available = nil
			s.Status = api.UpdateStatusIdle
		})

		return err
	}

	return d.finish(ctx, result, err)
}

// finish records the outcome of an install.
func (d *Daemon) finish(ctx context.Context, result *updates.InstallResult, err error) error {
	if result != nil {
		_ = d.state.Modify(func(s *api.SystemUpdateState) {
			s.LastResult = result
		})
	}

	if err != nil {
		d.fail(ctx, "Update installation failed", err)

		return err
	}

	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()

	current, err := d.manager.CurrentVersion()
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Update installed", "version", result.Version, "updated", result.FilesUpdated, "added", result.FilesAdded, "removed", result.FilesRemoved, "needs_reboot", result.NeedsReboot)

	return d.state.Modify(func(s *api.SystemUpdateState) {
		s.CurrentVersion = current
		s.Available = nil
		s.Status = api.UpdateStatusIdle
		s.LastError = ""
		s.NeedsReboot = s.NeedsReboot || result.NeedsReboot
	})
}

func (d *Daemon) cleanup(ctx context.Context) error {
	if d.manager.Busy() {
		return nil
	}

	slog.DebugContext(ctx, "Removing interrupted downloads")

	return d.manager.Cleanup()
}

// schedule registers or removes the periodic check for cfg.
func (d *Daemon) schedule(cfg api.SystemUpdateConfig) error {
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}

	if interval == 0 {
		return d.scheduler.RemoveJob(scheduling.JobUpdateCheck)
	}

	return d.scheduler.RegisterIntervalJob(scheduling.JobUpdateCheck, interval, d.scheduledCheck)
}

func (d *Daemon) setStatus(status string) error {
	return d.state.Modify(func(s *api.SystemUpdateState) {
		s.Status = status
	})
}

func (d *Daemon) fail(ctx context.Context, msg string, err error) {
	if errors.Is(err, manager.ErrBusy) {
		return
	}

	slog.ErrorContext(ctx, msg, "err", err)

	_ = d.state.Modify(func(s *api.SystemUpdateState) {
		s.Status = api.UpdateStatusFailed
		s.LastError = err.Error()
	})
}
