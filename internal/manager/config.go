package manager

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/installer"
	"github.com/rexos/rexos-updated/internal/version"
)

// Config holds everything the Manager needs. Nothing is read from the
// environment; callers and tests pass it explicitly.
type Config struct {
	ServerURL string
	Channel   updates.Channel

	// PublicKey is the hex encoded Ed25519 key packages are signed with.
	PublicKey string

	DownloadDir string
	StagingDir  string

	// BackupDir defaults to rexos-backup next to the staging directory.
	BackupDir         string
	BackupGenerations int

	MaxRetries    int
	RetryInterval time.Duration

	VersionPolicy updates.VersionPolicy
	AutoRollback  bool

	DeviceID     string
	Architecture string
	ReleaseFile  string

	// Root is the filesystem updates are applied to.
	Root string

	HTTPClient *http.Client
	RunFunc    installer.RunFunc
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "https://updates.rexos.io",
		Channel:           updates.ChannelStable,
		DownloadDir:       "/tmp/rexos-updates",
		StagingDir:        "/tmp/rexos-staging",
		BackupGenerations: 1,
		MaxRetries:        3,
		VersionPolicy:     updates.VersionPolicyPermissive,
		AutoRollback:      true,
		ReleaseFile:       version.DefaultReleaseFile,
		Root:              "/",
	}
}

func (c *Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(filepath.Clean(c.StagingDir)), "rexos-backup")
}
