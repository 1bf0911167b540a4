package installer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rexos/rexos-updated/api/updates"
)

const (
	stagedManifestName = "manifest.json"
	postInstallScript  = "post-install.sh"
	preInstallScript   = "pre-install.sh"
	needsRebootMarker  = ".needs-reboot"
)

// stagedManifest is the manifest.json shipped at the root of a package.
type stagedManifest struct {
	Version        string                `json:"version"`
	Files          []updates.FileEntry   `json:"-"`
	Remove         []string              `json:"remove"`
	PreInstall     []updates.ScriptEntry `json:"pre_install"`
	PostInstall    []updates.ScriptEntry `json:"post_install"`
	RequiresReboot bool                  `json:"requires_reboot"`
}

// UnmarshalJSON accepts "files" both as a path to hash object and as a list
// of file entries.
func (m *stagedManifest) UnmarshalJSON(data []byte) error {
	type plain stagedManifest

	aux := struct {
		*plain

		Files json.RawMessage `json:"files"`
	}{plain: (*plain)(m)}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.Files)

	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		m.Files = nil

	case raw[0] == '{':
		hashes := map[string]string{}

		err = json.Unmarshal(raw, &hashes)
		if err != nil {
			return err
		}

		m.Files = make([]updates.FileEntry, 0, len(hashes))
		for p, hash := range hashes {
			m.Files = append(m.Files, updates.FileEntry{Path: p, SHA256: hash})
		}

		slices.SortFunc(m.Files, func(a updates.FileEntry, b updates.FileEntry) int {
			return strings.Compare(a.Path, b.Path)
		})

	default:
		err = json.Unmarshal(raw, &m.Files)
		if err != nil {
			return err
		}
	}

	return nil
}

// loadStagedManifest reads manifest.json from the staging directory, if any.
func loadStagedManifest(dir string) (*stagedManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, stagedManifestName)) //nolint:gosec
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil //nolint:nilnil
		}

		return nil, err
	}

	manifest := &stagedManifest{}

	err = json.Unmarshal(data, manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", updates.ErrInvalidManifest, err)
	}

	for _, f := range manifest.Files {
		if !updates.IsSafePath(f.Path) {
			return nil, fmt.Errorf("%w: unsafe file path %q", updates.ErrInvalidManifest, f.Path)
		}
	}

	for _, p := range manifest.Remove {
		if !updates.IsSafePath(p) {
			return nil, fmt.Errorf("%w: unsafe removal path %q", updates.ErrInvalidManifest, p)
		}
	}

	return manifest, nil
}

// entries returns the manifest file entries keyed by cleaned path.
func (m *stagedManifest) entries() map[string]updates.FileEntry {
	ret := map[string]updates.FileEntry{}
	if m == nil {
		return ret
	}

	for _, f := range m.Files {
		ret[updates.CleanPath(f.Path)] = f
	}

	return ret
}

// isControlFile reports whether a staged path is package metadata rather
// than payload.
func isControlFile(rel string) bool {
	switch rel {
	case stagedManifestName, postInstallScript, preInstallScript, needsRebootMarker:
		return true
	}

	return strings.HasSuffix(rel, ".meta")
}
