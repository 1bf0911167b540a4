package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lxc/incus/v6/shared/subprocess"

	"github.com/rexos/rexos-updated/api/updates"
)

// RunFunc spawns a process with the given environment and waits for it.
type RunFunc func(ctx context.Context, env []string, name string, args ...string) error

// runCommand is the default RunFunc.
func runCommand(ctx context.Context, env []string, name string, args ...string) error {
	_, stderr, err := subprocess.RunCommandSplit(ctx, env, nil, name, args...)
	if err != nil {
		if stderr != "" {
			return fmt.Errorf("%w: %s", err, stderr)
		}

		return err
	}

	return nil
}

// scriptEnv returns the environment passed to install scripts.
func (i *Installer) scriptEnv(version string) []string {
	return append(os.Environ(),
		"REXOS_ROOT="+i.root,
		"REXOS_STAGING_DIR="+i.stagingDir,
		"REXOS_VERSION="+version,
	)
}

// runScripts runs manifest script entries in order. A script is either a
// path to a file in the package or an inline shell snippet.
func (i *Installer) runScripts(ctx context.Context, phase string, scripts []updates.ScriptEntry, version string) error {
	for _, script := range scripts {
		args := []string{"-c", script.Script}

		if updates.IsSafePath(script.Script) {
			staged := filepath.Join(i.stagingDir, updates.CleanPath(script.Script))

			info, err := os.Stat(staged)
			if err == nil && info.Mode().IsRegular() {
				args = []string{staged}
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}

		name := "sh"

		if !script.RunAsRoot() && os.Geteuid() == 0 {
			args = append([]string{"-u", "nobody", "--", name}, args...)
			name = "runuser"
		}

		slog.InfoContext(ctx, "Running install script", "phase", phase, "name", script.Name)

		scriptCtx, cancel := context.WithTimeout(ctx, time.Duration(script.GetTimeout())*time.Second)
		err := i.run(scriptCtx, i.scriptEnv(version), name, args...)

		cancel()

		if err != nil {
			if script.IgnoreErrors {
				slog.WarnContext(ctx, "Install script failed, ignoring", "phase", phase, "name", script.Name, "err", err)

				continue
			}

			return fmt.Errorf("%w: %s script %q failed: %w", ErrInstallFailed, phase, script.Name, err)
		}
	}

	return nil
}

// runStagedScript runs a script shipped at the root of the package, if present.
func (i *Installer) runStagedScript(ctx context.Context, name string, version string) error {
	path := filepath.Join(i.stagingDir, name)

	_, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return err
	}

	slog.InfoContext(ctx, "Running package script", "name", name)

	err = i.run(ctx, i.scriptEnv(version), "sh", path)
	if err != nil {
		return fmt.Errorf("%w: %s failed: %w", ErrInstallFailed, name, err)
	}

	return nil
}
