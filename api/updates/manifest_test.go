package updates_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/api/updates"
)

func validManifest() *updates.Manifest {
	m := updates.NewManifest("1.2.0")
	m.SHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	m.Signature = "00"
	m.AddFile(updates.FileEntry{Path: "bin/app", Size: 1024, SHA256: "abc123", Mode: "0755"})

	return m
}

func TestManifestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validManifest().Validate())

	tests := []struct {
		name   string
		mutate func(m *updates.Manifest)
	}{
		{"empty version", func(m *updates.Manifest) { m.Version = "" }},
		{"empty sha256", func(m *updates.Manifest) { m.SHA256 = "" }},
		{"empty signature", func(m *updates.Manifest) { m.Signature = "" }},
		{"no content", func(m *updates.Manifest) { m.Files = nil; m.Remove = nil }},
		{"path traversal", func(m *updates.Manifest) { m.Files[0].Path = "../etc/shadow" }},
		{"removal traversal", func(m *updates.Manifest) { m.RemoveFile("usr/../../boot") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := validManifest()
			tt.mutate(m)

			err := m.Validate()
			require.ErrorIs(t, err, updates.ErrInvalidManifest)
		})
	}
}

func TestManifestValidateRemovalOnly(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Files = nil
	m.RemoveFile("usr/lib/old.so")

	require.NoError(t, m.Validate())
}

func TestManifestAddFile(t *testing.T) {
	t.Parallel()

	m := updates.NewManifest("1.0.0")
	require.Equal(t, updates.CurrentManifestVersion, m.ManifestVersion)

	m.AddFile(updates.FileEntry{Path: "a", Size: 10})
	m.AddFile(updates.FileEntry{Path: "b", Size: 32})

	require.Equal(t, 2, m.FileCount())
	require.Equal(t, int64(42), m.UncompressedSize)
}

func TestSupportsDevice(t *testing.T) {
	t.Parallel()

	m := validManifest()
	require.True(t, m.SupportsDevice("rg351p"))
	require.True(t, m.SupportsDevice(""))

	m.TargetDevices = []string{"rg351p", "rg353v"}
	require.True(t, m.SupportsDevice("rg353v"))
	require.False(t, m.SupportsDevice("rgb30"))

	m.TargetDevices = []string{"*"}
	require.True(t, m.SupportsDevice("rgb30"))
}

func TestManifestDecoding(t *testing.T) {
	t.Parallel()

	body := `{
  "manifest_version": 1,
  "version": "2.0.0",
  "build_date": "2025-06-01",
  "architecture": "arm64",
  "release_notes": {"title": "RexOS 2.0", "summary": "Big one"},
  "files": [
    {"path": "bin/app", "size": 3, "sha256": "abc"},
    {"path": "etc/app.conf", "size": 1, "sha256": "def", "file_type": "config"},
    {"path": "lib/libapp.so", "size": 0, "sha256": "", "file_type": "symlink", "action": "link", "target": "libapp.so.2"}
  ],
  "remove": ["bin/old"],
  "post_install": [{"name": "ldconfig", "script": "ldconfig"}],
  "compressed_size": 10,
  "uncompressed_size": 4,
  "sha256": "aa",
  "signature": "bb"
}`

	var m updates.Manifest

	err := json.Unmarshal([]byte(body), &m)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	require.Equal(t, updates.FileActionAdd, m.Files[0].GetAction())
	require.Equal(t, updates.FileActionConfig, m.Files[1].GetAction())
	require.Equal(t, updates.FileActionLink, m.Files[2].GetAction())
	require.True(t, m.PostInstall[0].RunAsRoot())
	require.Equal(t, updates.DefaultScriptTimeout, m.PostInstall[0].GetTimeout())
	require.True(t, m.SupportsArchitecture("arm64"))
	require.False(t, m.SupportsArchitecture("amd64"))

	err = json.Unmarshal([]byte(`{"files":[{"path":"x","action":"explode"}]}`), &m)
	require.Error(t, err)
}

func TestReleaseNotesMarkdown(t *testing.T) {
	t.Parallel()

	notes := updates.ReleaseNotes{
		Title:        "RexOS 1.2",
		Summary:      "Faster boot",
		Features:     []string{"New theme"},
		Fixes:        []string{"Audio crackle"},
		UpgradeNotes: "Reboot twice.",
	}

	md := notes.Markdown()
	require.Contains(t, md, "# RexOS 1.2\n\nFaster boot\n\n")
	require.Contains(t, md, "## New Features\n\n- New theme\n")
	require.Contains(t, md, "## Bug Fixes\n\n- Audio crackle\n")
	require.Contains(t, md, "## Upgrade Notes\n\nReboot twice.\n")
	require.NotContains(t, md, "Breaking Changes")
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	dl := updates.DownloadProgress{Total: 100, Downloaded: 50}
	require.Equal(t, 50, dl.Percent())

	dl = updates.DownloadProgress{}
	require.Equal(t, 0, dl.Percent())

	inst := updates.InstallProgress{CurrentStep: 3, TotalSteps: 6}
	require.Equal(t, 50, inst.Percent())
}

func TestChannel(t *testing.T) {
	t.Parallel()

	var c updates.Channel

	err := json.Unmarshal([]byte(`""`), &c)
	require.NoError(t, err)
	require.Equal(t, updates.ChannelStable, c)

	require.True(t, updates.ChannelNightly.IsValid())
	require.False(t, updates.Channel("weekly").IsValid())
}
