// Package installer applies update packages to the live filesystem.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/lxc/incus/v6/shared/revert"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/backup"
	"github.com/rexos/rexos-updated/internal/util"
	"github.com/rexos/rexos-updated/internal/verify"
)

// ConfigSuffix is appended to new versions of locally kept configuration files.
const ConfigSuffix = ".rexnew"

// Installer extracts packages into a staging directory and applies them.
type Installer struct {
	stagingDir   string
	root         string
	backups      *backup.Store
	run          RunFunc
	autoRollback bool

	mu       sync.Mutex
	progress *updates.InstallProgress
}

// Option configures an Installer.
type Option func(*Installer)

// WithRoot sets the filesystem root updates are applied to.
func WithRoot(root string) Option {
	return func(i *Installer) {
		i.root = root
	}
}

// WithRunFunc sets how install scripts are spawned.
func WithRunFunc(run RunFunc) Option {
	return func(i *Installer) {
		if run != nil {
			i.run = run
		}
	}
}

// WithAutoRollback controls whether a failed install restores its backup.
func WithAutoRollback(enabled bool) Option {
	return func(i *Installer) {
		i.autoRollback = enabled
	}
}

// New returns an Installer using stagingDir as scratch space and backups to
// keep the files it replaces.
func New(stagingDir string, backups *backup.Store, opts ...Option) *Installer {
	i := &Installer{
		stagingDir:   stagingDir,
		root:         "/",
		backups:      backups,
		run:          runCommand,
		autoRollback: true,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Install applies the package at packagePath. When a failure happens after
// the backup was taken and automatic rollback is enabled, the backup is
// restored and the returned result has RolledBack set alongside the error.
func (i *Installer) Install(ctx context.Context, packagePath string, previousVersion string) (*updates.InstallResult, error) {
	i.setProgress(updates.InstallStepPreparing, 1, 0, 0)

	// Start from a clean staging directory.
	err := os.RemoveAll(i.stagingDir)
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(i.stagingDir, 0o700)
	if err != nil {
		return nil, err
	}

	defer func() { _ = os.RemoveAll(i.stagingDir) }()

	// Extract the package.
	i.setProgress(updates.InstallStepExtracting, 2, 0, 0)

	files, err := extract(packagePath, i.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	manifest, err := loadStagedManifest(i.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	result := &updates.InstallResult{Version: packageVersion(packagePath, manifest)}

	slog.InfoContext(ctx, "Installing update", "version", result.Version, "files", len(files))

	// Verify the staged files.
	i.setProgress(updates.InstallStepVerifying, 3, 0, len(files))

	err = i.verifyStaged(ctx, manifest)
	if err != nil {
		return nil, err
	}

	err = ctx.Err()
	if err != nil {
		return nil, err
	}

	payload := make([]string, 0, len(files))

	for _, rel := range files {
		if !isControlFile(rel) {
			payload = append(payload, rel)
		}
	}

	entries := manifest.entries()
	removals := []string{}

	staged := make(map[string]bool, len(payload))
	for _, rel := range payload {
		staged[rel] = true
	}

	// Links and directories the manifest describes without shipping them.
	links := []string{}
	dirs := []string{}

	for rel, entry := range entries {
		switch {
		case staged[rel]:
		case entry.GetAction() == updates.FileActionLink && entry.Target != "":
			links = append(links, rel)
		case entry.FileType == updates.FileTypeDirectory:
			dirs = append(dirs, rel)
		}
	}

	slices.Sort(links)
	slices.Sort(dirs)

	if manifest != nil {
		for _, p := range manifest.Remove {
			removals = append(removals, updates.CleanPath(p))
		}
	}

	// Back up everything about to be touched.
	i.setProgress(updates.InstallStepBackingUp, 4, 0, len(payload))

	backupPaths := make([]string, 0, len(payload)+len(removals))
	for _, rel := range payload {
		backupPaths = append(backupPaths, rel)

		entry, ok := entries[rel]
		if ok && entry.GetAction() == updates.FileActionConfig {
			backupPaths = append(backupPaths, rel+ConfigSuffix)
		}
	}

	backupPaths = append(backupPaths, links...)
	backupPaths = append(backupPaths, removals...)

	for _, rel := range dirs {
		// Existing directories are left alone, only new ones need undoing.
		if !util.PathExists(filepath.Join(i.root, rel)) {
			backupPaths = append(backupPaths, rel)
		}
	}

	gen, err := i.backups.Create(i.root, result.Version, previousVersion, backupPaths)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create backup: %w", ErrInstallFailed, err)
	}

	reverter := revert.New()
	defer reverter.Fail()

	if i.autoRollback {
		reverter.Add(func() {
			i.setProgress(updates.InstallStepRollingBack, updates.InstallTotalSteps, 0, 0)

			restoreErr := i.backups.Restore(i.root, gen)
			if restoreErr != nil {
				slog.ErrorContext(ctx, "Automatic rollback failed", "generation", gen.Name, "err", restoreErr)

				return
			}

			result.RolledBack = true
		})
	}

	fail := func(err error) (*updates.InstallResult, error) {
		reverter.Fail()
		reverter.Success()

		if result.RolledBack {
			slog.WarnContext(ctx, "Install failed, previous files restored", "version", result.Version, "err", err)

			return result, err
		}

		return nil, err
	}

	// Pre-install scripts.
	if manifest != nil {
		err = i.runScripts(ctx, "pre-install", manifest.PreInstall, result.Version)
		if err != nil {
			return fail(err)
		}
	}

	err = i.runStagedScript(ctx, preInstallScript, result.Version)
	if err != nil {
		return fail(err)
	}

	// Apply the files.
	i.setProgress(updates.InstallStepApplying, 5, 0, len(payload))

	for n, rel := range payload {
		err = ctx.Err()
		if err != nil {
			return fail(err)
		}

		entry, ok := entries[rel]
		if !ok {
			entry = updates.FileEntry{Path: rel}
		}

		err = i.applyFile(rel, entry, result)
		if err != nil {
			return fail(fmt.Errorf("%w: failed to install %q: %w", ErrInstallFailed, rel, err))
		}

		i.setProgress(updates.InstallStepApplying, 5, n+1, len(payload))
	}

	for _, rel := range links {
		err = i.applyFile(rel, entries[rel], result)
		if err != nil {
			return fail(fmt.Errorf("%w: failed to link %q: %w", ErrInstallFailed, rel, err))
		}
	}

	// Directories listed without content.
	for _, rel := range dirs {
		err = os.MkdirAll(filepath.Join(i.root, rel), 0o755)
		if err != nil {
			return fail(fmt.Errorf("%w: failed to create %q: %w", ErrInstallFailed, rel, err))
		}
	}

	// Removals come last.
	for _, rel := range removals {
		err = removePath(filepath.Join(i.root, rel))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fail(fmt.Errorf("%w: failed to remove %q: %w", ErrInstallFailed, rel, err))
		}

		result.FilesRemoved++
	}

	// Post-install.
	i.setProgress(updates.InstallStepPostInstall, 6, 0, 0)

	if manifest != nil {
		err = i.runScripts(ctx, "post-install", manifest.PostInstall, result.Version)
		if err != nil {
			return fail(err)
		}
	}

	err = i.runStagedScript(ctx, postInstallScript, result.Version)
	if err != nil {
		return fail(err)
	}

	result.NeedsReboot = util.PathExists(filepath.Join(i.stagingDir, needsRebootMarker)) || (manifest != nil && manifest.RequiresReboot)

	reverter.Success()

	i.setProgress(updates.InstallStepDone, updates.InstallTotalSteps, len(payload), len(payload))

	slog.InfoContext(ctx, "Update installed", "version", result.Version, "added", result.FilesAdded, "updated", result.FilesUpdated, "removed", result.FilesRemoved, "configs_preserved", result.ConfigsPreserved, "needs_reboot", result.NeedsReboot)

	return result, nil
}

// verifyStaged checks every staged file listed in the manifest against its hash.
func (i *Installer) verifyStaged(ctx context.Context, manifest *stagedManifest) error {
	if manifest == nil {
		slog.WarnContext(ctx, "No manifest found in package, skipping file verification")

		return nil
	}

	for n, entry := range manifest.Files {
		if entry.SHA256 == "" {
			continue
		}

		rel := updates.CleanPath(entry.Path)
		staged := filepath.Join(i.stagingDir, rel)

		info, err := os.Lstat(staged)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return err
		}

		if !info.Mode().IsRegular() {
			continue
		}

		err = verify.VerifyFile(staged, entry.SHA256)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrVerificationFailed, rel, err)
		}

		i.setProgress(updates.InstallStepVerifying, 3, n+1, len(manifest.Files))
	}

	return nil
}

// applyFile installs a single staged path according to its action.
func (i *Installer) applyFile(rel string, entry updates.FileEntry, result *updates.InstallResult) error {
	staged := filepath.Join(i.stagingDir, rel)
	live := filepath.Join(i.root, rel)
	existed := util.PathExists(live)

	switch entry.GetAction() {
	case updates.FileActionConfig:
		if existed {
			// Keep the local file, ship the new one next to it.
			err := util.CopyFile(staged, live+ConfigSuffix)
			if err != nil {
				return err
			}

			result.ConfigsPreserved++

			return nil
		}

		err := util.CopyFile(staged, live)
		if err != nil {
			return err
		}

	case updates.FileActionLink:
		target := entry.Target
		if target == "" {
			var err error

			target, err = os.Readlink(staged)
			if err != nil {
				return fmt.Errorf("no link target: %w", err)
			}
		}

		err := os.MkdirAll(filepath.Dir(live), 0o755)
		if err != nil {
			return err
		}

		err = util.ReplaceSymlink(target, live)
		if err != nil {
			return err
		}

	case updates.FileActionAdd, updates.FileActionUpdate:
		err := util.CopyFile(staged, live)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown file action %q", entry.Action)
	}

	mode, ok, err := entry.FileMode()
	if err != nil {
		return err
	}

	if ok && entry.GetAction() != updates.FileActionLink {
		err = os.Chmod(live, fs.FileMode(mode).Perm())
		if err != nil {
			return err
		}
	}

	if existed {
		result.FilesUpdated++
	} else {
		result.FilesAdded++
	}

	return nil
}

// removePath deletes a file or symlink, or a whole directory tree.
func removePath(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return os.RemoveAll(path)
	}

	return os.Remove(path)
}

// Rollback restores the most recent backup generation.
func (i *Installer) Rollback(ctx context.Context) (*backup.Generation, error) {
	gen, err := i.backups.Latest()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRollbackFailed, err)
	}

	i.setProgress(updates.InstallStepRollingBack, updates.InstallTotalSteps, 0, len(gen.Manifest.Files))

	slog.InfoContext(ctx, "Rolling back update", "generation", gen.Name, "version", gen.Manifest.Version, "previous_version", gen.Manifest.PreviousVersion)

	err = i.backups.Restore(i.root, gen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRollbackFailed, err)
	}

	i.setProgress(updates.InstallStepDone, updates.InstallTotalSteps, len(gen.Manifest.Files), len(gen.Manifest.Files))

	return gen, nil
}

// Backups returns the available backup generations, oldest first.
func (i *Installer) Backups() ([]backup.Generation, error) {
	return i.backups.List()
}

// Progress returns a copy of the current install progress, or nil if no
// install was started yet.
func (i *Installer) Progress() *updates.InstallProgress {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.progress == nil {
		return nil
	}

	p := *i.progress

	return &p
}

func (i *Installer) setProgress(step updates.InstallStep, current int, processed int, total int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.progress = &updates.InstallProgress{
		Step:           step,
		CurrentStep:    current,
		TotalSteps:     updates.InstallTotalSteps,
		FilesProcessed: processed,
		TotalFiles:     total,
	}
}

// packageVersion returns the version from the staged manifest, falling back
// to the rexos-<version>.tar.gz file name.
func packageVersion(packagePath string, manifest *stagedManifest) string {
	if manifest != nil && manifest.Version != "" {
		return manifest.Version
	}

	name := filepath.Base(packagePath)

	v, ok := strings.CutPrefix(name, "rexos-")
	if !ok {
		return "unknown"
	}

	v = strings.TrimSuffix(v, ".gz")
	v = strings.TrimSuffix(v, ".tar")

	if v == "" {
		return "unknown"
	}

	return v
}
