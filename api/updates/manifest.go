package updates

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidManifest is returned when a manifest fails validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// CurrentManifestVersion is the manifest schema version written by NewManifest.
const CurrentManifestVersion = 1

// VersionPolicy controls how unparseable versions are treated when checking
// a manifest's [min_version, max_version) window.
type VersionPolicy string

const (
	// VersionPolicyPermissive allows the update when a version fails to parse.
	VersionPolicyPermissive VersionPolicy = "permissive"

	// VersionPolicyStrict refuses the update when a version fails to parse.
	VersionPolicyStrict VersionPolicy = "strict"
)

// Manifest describes the full content of a release.
type Manifest struct {
	ManifestVersion int     `json:"manifest_version"`
	Version         string  `json:"version"`
	BuildDate       string  `json:"build_date"`
	BuildNumber     *uint64 `json:"build_number,omitempty"`
	Commit          string  `json:"commit,omitempty"`

	MinVersion    string   `json:"min_version,omitempty"`
	MaxVersion    string   `json:"max_version,omitempty"`
	Architecture  string   `json:"architecture"`
	TargetDevices []string `json:"target_devices,omitempty"`

	ReleaseNotes ReleaseNotes `json:"release_notes"`

	Files       []FileEntry   `json:"files"`
	Remove      []string      `json:"remove"`
	PreInstall  []ScriptEntry `json:"pre_install,omitempty"`
	PostInstall []ScriptEntry `json:"post_install,omitempty"`

	Dependencies []Dependency `json:"dependencies,omitempty"`
	Conflicts    []string     `json:"conflicts,omitempty"`

	RequiresReboot bool `json:"requires_reboot"`
	Critical       bool `json:"critical"`

	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
	SHA256           string `json:"sha256"`
	Signature        string `json:"signature"`
}

// NewManifest returns an empty manifest for the given version.
func NewManifest(v string) *Manifest {
	return &Manifest{
		ManifestVersion: CurrentManifestVersion,
		Version:         v,
		Files:           []FileEntry{},
		Remove:          []string{},
	}
}

// AddFile appends a file entry and accounts for its size.
func (m *Manifest) AddFile(entry FileEntry) {
	m.UncompressedSize += entry.Size
	m.Files = append(m.Files, entry)
}

// RemoveFile schedules a path for removal.
func (m *Manifest) RemoveFile(p string) {
	m.Remove = append(m.Remove, p)
}

// FileCount returns the number of files shipped in the release.
func (m *Manifest) FileCount() int {
	return len(m.Files)
}

// Validate checks that the manifest is complete enough to be installed.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}

	if m.SHA256 == "" {
		return fmt.Errorf("%w: sha256 hash is required", ErrInvalidManifest)
	}

	if m.Signature == "" {
		return fmt.Errorf("%w: signature is required", ErrInvalidManifest)
	}

	if len(m.Files) == 0 && len(m.Remove) == 0 {
		return fmt.Errorf("%w: manifest must contain files or removals", ErrInvalidManifest)
	}

	for _, f := range m.Files {
		if !IsSafePath(f.Path) {
			return fmt.Errorf("%w: unsafe file path %q", ErrInvalidManifest, f.Path)
		}
	}

	for _, p := range m.Remove {
		if !IsSafePath(p) {
			return fmt.Errorf("%w: unsafe removal path %q", ErrInvalidManifest, p)
		}
	}

	return nil
}

// SupportsDevice returns true if the release can be installed on the given device.
func (m *Manifest) SupportsDevice(deviceID string) bool {
	if len(m.TargetDevices) == 0 {
		return true
	}

	for _, d := range m.TargetDevices {
		if d == deviceID || d == "*" {
			return true
		}
	}

	return false
}

// SupportsArchitecture returns true if the release targets the given architecture.
func (m *Manifest) SupportsArchitecture(arch string) bool {
	return m.Architecture == "" || m.Architecture == arch
}

// IsSafePath returns true if p names a location below the root it's joined to.
// Leading slashes are allowed and treated as relative to that root.
func IsSafePath(p string) bool {
	if strings.Trim(p, "/") == "" {
		return false
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return false
		}
	}

	return true
}

// CleanPath returns p as a clean path relative to the installation root.
func CleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
