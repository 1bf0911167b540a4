package updates

import (
	"fmt"
	"strconv"
)

// FileType represents the kind of filesystem entry a manifest file describes.
type FileType string

const (
	// FileTypeRegular is a plain file.
	FileTypeRegular FileType = "regular"

	// FileTypeDirectory is a directory.
	FileTypeDirectory FileType = "directory"

	// FileTypeSymlink is a symbolic link.
	FileTypeSymlink FileType = "symlink"

	// FileTypeConfig is a configuration file.
	FileTypeConfig FileType = "config"
)

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (t *FileType) UnmarshalText(text []byte) error {
	switch FileType(text) {
	case "":
		*t = FileTypeRegular
	case FileTypeRegular, FileTypeDirectory, FileTypeSymlink, FileTypeConfig:
		*t = FileType(text)
	default:
		return fmt.Errorf("unknown file type %q", string(text))
	}

	return nil
}

// FileAction represents what the installer does with a manifest file.
type FileAction string

const (
	// FileActionAdd installs a new file.
	FileActionAdd FileAction = "add"

	// FileActionUpdate replaces an existing file.
	FileActionUpdate FileAction = "update"

	// FileActionConfig installs a configuration file, keeping local edits.
	FileActionConfig FileAction = "config"

	// FileActionLink creates a symbolic link.
	FileActionLink FileAction = "link"
)

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (a *FileAction) UnmarshalText(text []byte) error {
	switch FileAction(text) {
	case "":
		*a = FileActionAdd
	case FileActionAdd, FileActionUpdate, FileActionConfig, FileActionLink:
		*a = FileAction(text)
	default:
		return fmt.Errorf("unknown file action %q", string(text))
	}

	return nil
}

// FileEntry describes a single file shipped in a release.
type FileEntry struct {
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	SHA256   string     `json:"sha256"`
	Mode     string     `json:"mode,omitempty"`
	Owner    string     `json:"owner,omitempty"`
	FileType FileType   `json:"file_type,omitempty"`
	Action   FileAction `json:"action,omitempty"`
	Target   string     `json:"target,omitempty"` // Link target for symlinks.
}

// GetAction returns the entry's action, defaulting to add.
func (f *FileEntry) GetAction() FileAction {
	if f.Action == "" {
		if f.FileType == FileTypeConfig {
			return FileActionConfig
		}

		return FileActionAdd
	}

	return f.Action
}

// FileMode parses the octal mode string, returning ok=false when unset.
func (f *FileEntry) FileMode() (uint32, bool, error) {
	if f.Mode == "" {
		return 0, false, nil
	}

	mode, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid mode %q for %s: %w", f.Mode, f.Path, err)
	}

	return uint32(mode), true, nil
}

// ScriptEntry describes a script run around the installation.
type ScriptEntry struct {
	Name         string `json:"name"`
	Script       string `json:"script"`
	Root         *bool  `json:"root,omitempty"`
	IgnoreErrors bool   `json:"ignore_errors"`
	Timeout      int    `json:"timeout,omitempty"` // In seconds.
}

// DefaultScriptTimeout is applied to scripts that don't set a timeout.
const DefaultScriptTimeout = 60

// RunAsRoot returns whether the script should run as root (default true).
func (s *ScriptEntry) RunAsRoot() bool {
	return s.Root == nil || *s.Root
}

// GetTimeout returns the script timeout in seconds.
func (s *ScriptEntry) GetTimeout() int {
	if s.Timeout <= 0 {
		return DefaultScriptTimeout
	}

	return s.Timeout
}

// Dependency describes a package the release depends on.
type Dependency struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Optional bool   `json:"optional"`
}
