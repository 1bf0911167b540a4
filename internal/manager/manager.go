// Package manager ties the checker, downloader, verifier and installer
// together into a single update cycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/backup"
	"github.com/rexos/rexos-updated/internal/checker"
	"github.com/rexos/rexos-updated/internal/downloader"
	"github.com/rexos/rexos-updated/internal/installer"
	"github.com/rexos/rexos-updated/internal/verify"
	"github.com/rexos/rexos-updated/internal/version"
)

// Manager runs update operations, one at a time.
type Manager struct {
	cfg Config

	checker    *checker.Checker
	downloader *downloader.Downloader
	installer  *installer.Installer

	// busy is held for the whole duration of a mutating operation.
	busy sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.StagingDir == "" || cfg.DownloadDir == "" {
		return nil, errors.New("download and staging directories are required")
	}

	if cfg.Root == "" {
		cfg.Root = "/"
	}

	if cfg.VersionPolicy == "" {
		cfg.VersionPolicy = updates.VersionPolicyPermissive
	}

	checkerOpts := []checker.Option{}
	if cfg.Architecture != "" {
		checkerOpts = append(checkerOpts, checker.WithArchitecture(cfg.Architecture))
	}

	c, err := checker.New(cfg.ServerURL, cfg.Channel, cfg.HTTPClient, checkerOpts...)
	if err != nil {
		return nil, err
	}

	downloaderOpts := []downloader.Option{downloader.WithClient(cfg.HTTPClient)}
	if cfg.RetryInterval > 0 {
		downloaderOpts = append(downloaderOpts, downloader.WithRetryInterval(cfg.RetryInterval))
	}

	installerOpts := []installer.Option{
		installer.WithRoot(cfg.Root),
		installer.WithAutoRollback(cfg.AutoRollback),
		installer.WithRunFunc(cfg.RunFunc),
	}

	return &Manager{
		cfg:        cfg,
		checker:    c,
		downloader: downloader.New(cfg.DownloadDir, cfg.MaxRetries, downloaderOpts...),
		installer:  installer.New(cfg.StagingDir, backup.NewStore(cfg.backupDir(), cfg.BackupGenerations), installerOpts...),
	}, nil
}

// Channel returns the configured update channel.
func (m *Manager) Channel() updates.Channel {
	return m.checker.Channel()
}

// SetChannel switches the update channel used by later checks.
func (m *Manager) SetChannel(channel updates.Channel) error {
	return m.checker.SetChannel(channel)
}

// CurrentVersion returns the running RexOS version.
func (m *Manager) CurrentVersion() (string, error) {
	return version.Current(m.cfg.ReleaseFile)
}

// Check returns the latest release newer than the running version, or nil.
func (m *Manager) Check(ctx context.Context) (*updates.ReleaseInfo, error) {
	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}

	return m.checker.Check(ctx, current)
}

// CheckAllChannels returns the newer releases available on every channel.
func (m *Manager) CheckAllChannels(ctx context.Context) ([]updates.ReleaseInfo, error) {
	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}

	return m.checker.CheckAllChannels(ctx, current)
}

// Releases returns the release history of the configured channel.
func (m *Manager) Releases(ctx context.Context, limit int) ([]updates.ReleaseInfo, error) {
	return m.checker.GetReleases(ctx, limit)
}

// Download fetches the package of a release.
func (m *Manager) Download(ctx context.Context, release *updates.ReleaseInfo) (string, error) {
	if !m.busy.TryLock() {
		return "", ErrBusy
	}

	defer m.busy.Unlock()

	ctx, done := m.track(ctx)
	defer done()

	return m.downloader.Download(ctx, release)
}

// Verify checks a downloaded package's hash and then its signature. Both
// must pass before the package may be installed.
func (m *Manager) Verify(path string, release *updates.ReleaseInfo) error {
	m.downloader.SetState(updates.DownloadStateVerifying)

	err := verify.VerifyFile(path, release.SHA256)
	if err != nil {
		m.downloader.SetState(updates.DownloadStateFailed)

		return fmt.Errorf("%w: hash check of %s: %w", ErrVerificationFailed, path, err)
	}

	slog.Debug("Hash verification passed", "path", path)

	verifier, err := verify.NewSignatureVerifier(m.cfg.PublicKey)
	if err != nil {
		m.downloader.SetState(updates.DownloadStateFailed)

		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	err = verifier.VerifyFile(path, release.Signature)
	if err != nil {
		m.downloader.SetState(updates.DownloadStateFailed)

		return fmt.Errorf("%w: signature check of %s: %w", ErrVerificationFailed, path, err)
	}

	slog.Debug("Signature verification passed", "path", path)
	m.downloader.SetState(updates.DownloadStateCompleted)

	return nil
}

// Install applies a package that was already verified.
func (m *Manager) Install(ctx context.Context, path string) (*updates.InstallResult, error) {
	if !m.busy.TryLock() {
		return nil, ErrBusy
	}

	defer m.busy.Unlock()

	ctx, done := m.track(ctx)
	defer done()

	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}

	return m.installer.Install(ctx, path, current)
}

// Update runs a full check, download, verify and install cycle.
func (m *Manager) Update(ctx context.Context) (*updates.InstallResult, error) {
	if !m.busy.TryLock() {
		return nil, ErrBusy
	}

	defer m.busy.Unlock()

	ctx, done := m.track(ctx)
	defer done()

	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}

	release, err := m.checker.Check(ctx, current)
	if err != nil {
		return nil, err
	}

	if release == nil {
		return nil, ErrNoUpdate
	}

	slog.InfoContext(ctx, "Update available", "current", current, "version", release.Version, "channel", release.Channel, "critical", release.Critical)

	var manifest *updates.Manifest

	if release.ManifestURL != "" {
		manifest, err = m.checkManifest(ctx, release, current)
		if err != nil {
			return nil, err
		}
	}

	err = m.checkSpace(release, manifest)
	if err != nil {
		return nil, err
	}

	path, err := m.downloader.Download(ctx, release)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Update downloaded", "path", path)

	err = m.Verify(path, release)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Update signature verified", "version", release.Version)

	result, err := m.installer.Install(ctx, path, current)
	if err != nil {
		return result, err
	}

	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.WarnContext(ctx, "Failed to remove installed package", "path", path, "err", err)
	}

	return result, nil
}

// Rollback restores the files replaced by the most recent install.
func (m *Manager) Rollback(ctx context.Context) (*backup.Generation, error) {
	if !m.busy.TryLock() {
		return nil, ErrBusy
	}

	defer m.busy.Unlock()

	return m.installer.Rollback(ctx)
}

// Backups returns the available rollback generations, oldest first.
func (m *Manager) Backups() ([]backup.Generation, error) {
	return m.installer.Backups()
}

// Cancel stops the running download or install at its next checkpoint.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.downloader.Cancel()
}

// Busy reports whether an update operation is running.
func (m *Manager) Busy() bool {
	if !m.busy.TryLock() {
		return true
	}

	m.busy.Unlock()

	return false
}

// DownloadProgress returns the progress of the current or last download.
func (m *Manager) DownloadProgress() *updates.DownloadProgress {
	return m.downloader.Progress()
}

// InstallProgress returns the progress of the current or last install.
func (m *Manager) InstallProgress() *updates.InstallProgress {
	return m.installer.Progress()
}

// Cleanup removes interrupted downloads.
func (m *Manager) Cleanup() error {
	return m.downloader.Cleanup()
}

// track makes the operation context cancellable through Cancel.
func (m *Manager) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()

		cancel()
	}
}

// checkManifest fetches the release manifest and makes sure it applies to this device.
func (m *Manager) checkManifest(ctx context.Context, release *updates.ReleaseInfo, current string) (*updates.Manifest, error) {
	manifest, err := m.checker.GetManifest(ctx, release)
	if err != nil {
		return nil, err
	}

	err = manifest.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	if m.cfg.DeviceID != "" && !manifest.SupportsDevice(m.cfg.DeviceID) {
		return nil, fmt.Errorf("%w: release %s doesn't support device %q", ErrInvalidManifest, release.Version, m.cfg.DeviceID)
	}

	if !manifest.SupportsArchitecture(m.checker.Architecture()) {
		return nil, fmt.Errorf("%w: release %s is built for %q", ErrInvalidManifest, release.Version, manifest.Architecture)
	}

	if !version.InWindow(current, manifest.MinVersion, manifest.MaxVersion, m.cfg.VersionPolicy == updates.VersionPolicyStrict) {
		return nil, fmt.Errorf("%w: release %s can't be installed over %s", ErrInvalidManifest, release.Version, current)
	}

	return manifest, nil
}

// checkSpace makes sure the package and its extracted content fit.
func (m *Manager) checkSpace(release *updates.ReleaseInfo, manifest *updates.Manifest) error {
	if release.Size <= 0 {
		return nil
	}

	needed := uint64(release.Size)

	if manifest != nil && manifest.UncompressedSize > 0 {
		needed += uint64(manifest.UncompressedSize)
	} else {
		needed += uint64(release.Size)
	}

	available, err := m.downloader.AvailableSpace()
	if err != nil {
		slog.Warn("Unable to check free space", "err", err)

		return nil
	}

	if available < needed {
		return &InsufficientSpaceError{Needed: needed, Available: available}
	}

	return nil
}
