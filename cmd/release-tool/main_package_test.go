package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/backup"
	"github.com/rexos/rexos-updated/internal/downloader"
	"github.com/rexos/rexos-updated/internal/installer"
	"github.com/rexos/rexos-updated/internal/verify"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestBuildPackage(t *testing.T) {
	t.Parallel()

	priv, pub, err := verify.GenerateKeypair()
	require.NoError(t, err)

	base := t.TempDir()
	source := filepath.Join(base, "source")
	target := filepath.Join(base, "out")

	writeTree(t, source, map[string]string{
		"usr/bin/rexos-menu":      "menu v2",
		"etc/rexos/controls.conf": "a=south\n",
		postInstallName:           "#!/bin/sh\ntrue\n",
	})

	require.NoError(t, os.Chmod(filepath.Join(source, "usr/bin/rexos-menu"), 0o755))
	require.NoError(t, os.Symlink("rexos-menu", filepath.Join(source, "usr/bin/menu")))

	release, err := buildPackage(context.Background(), packageOptions{
		source:     source,
		version:    "1.1.0",
		target:     target,
		privateKey: priv,
		channel:    updates.ChannelBeta,
		baseURL:    "https://updates.rexos.io/packages",
		configs:    []string{"etc/rexos/controls.conf"},
		remove:     []string{"usr/share/rexos/old-theme"},
		devices:    []string{"rg353"},
		title:      "RexOS 1.1.0",
		now:        func() time.Time { return time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	require.Equal(t, "1.1.0", release.Version)
	require.Equal(t, updates.ChannelBeta, release.Channel)
	require.Equal(t, "2026-10-15", release.ReleaseDate)
	require.Equal(t, "https://updates.rexos.io/packages/"+downloader.FileName("1.1.0"), release.DownloadURL)

	packagePath := filepath.Join(target, downloader.FileName("1.1.0"))

	// The package verifies against the published hash and signature.
	require.NoError(t, verify.VerifyFile(packagePath, release.SHA256))

	verifier, err := verify.NewSignatureVerifier(pub)
	require.NoError(t, err)
	require.NoError(t, verifier.VerifyFile(packagePath, release.Signature))

	// The published manifest describes the payload.
	body, err := os.ReadFile(filepath.Join(target, "rexos-1.1.0.manifest.json"))
	require.NoError(t, err)

	manifest := updates.Manifest{}
	require.NoError(t, json.Unmarshal(body, &manifest))
	require.NoError(t, manifest.Validate())
	require.True(t, manifest.SupportsDevice("rg353"))
	require.Equal(t, []string{"usr/share/rexos/old-theme"}, manifest.Remove)

	entries := map[string]updates.FileEntry{}
	for _, f := range manifest.Files {
		entries[f.Path] = f
	}

	require.Equal(t, "0755", entries["usr/bin/rexos-menu"].Mode)
	require.Equal(t, updates.FileTypeConfig, entries["etc/rexos/controls.conf"].FileType)
	require.Equal(t, updates.FileActionLink, entries["usr/bin/menu"].Action)
	require.Equal(t, "rexos-menu", entries["usr/bin/menu"].Target)
	require.Equal(t, updates.FileTypeDirectory, entries["usr/bin"].FileType)
	require.NotContains(t, entries, postInstallName)

	served := updates.ReleaseInfo{}

	body, err = os.ReadFile(filepath.Join(target, releaseName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &served))
	require.Equal(t, *release, served)

	// The package installs with the device installer.
	root := filepath.Join(base, "root")
	writeTree(t, root, map[string]string{
		"etc/rexos/controls.conf":   "a=east\n",
		"usr/share/rexos/old-theme": "old",
	})

	scripts := []string{}
	inst := installer.New(filepath.Join(base, "staging"), backup.NewStore(filepath.Join(base, "backup"), 1),
		installer.WithRoot(root),
		installer.WithRunFunc(func(_ context.Context, _ []string, name string, args ...string) error {
			scripts = append(scripts, name+" "+args[len(args)-1])

			return nil
		}),
	)

	result, err := inst.Install(context.Background(), packagePath, "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", result.Version)
	require.Equal(t, 1, result.ConfigsPreserved)
	require.Equal(t, 1, result.FilesRemoved)
	require.Len(t, scripts, 1)

	content, err := os.ReadFile(filepath.Join(root, "etc/rexos/controls.conf"))
	require.NoError(t, err)
	require.Equal(t, "a=east\n", string(content))
	require.FileExists(t, filepath.Join(root, "etc/rexos/controls.conf"+installer.ConfigSuffix))

	link, err := os.Readlink(filepath.Join(root, "usr/bin/menu"))
	require.NoError(t, err)
	require.Equal(t, "rexos-menu", link)

	require.NoFileExists(t, filepath.Join(root, "usr/share/rexos/old-theme"))
}

func TestBuildPackageRejects(t *testing.T) {
	t.Parallel()

	priv, _, err := verify.GenerateKeypair()
	require.NoError(t, err)

	source := t.TempDir()
	writeTree(t, source, map[string]string{"usr/bin/app": "x"})

	tests := []struct {
		name string
		opts packageOptions
	}{
		{"unknown channel", packageOptions{channel: "weekly"}},
		{"unsafe removal", packageOptions{channel: updates.ChannelStable, remove: []string{"../etc/passwd"}}},
		{"missing config", packageOptions{channel: updates.ChannelStable, configs: []string{"etc/missing.conf"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			target := t.TempDir()

			tt.opts.source = source
			tt.opts.version = "1.1.0"
			tt.opts.target = target
			tt.opts.privateKey = priv

			_, err := buildPackage(context.Background(), tt.opts)
			require.Error(t, err)
			require.NoFileExists(t, filepath.Join(target, downloader.FileName("1.1.0")))
		})
	}
}
