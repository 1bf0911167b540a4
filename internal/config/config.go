// Package config loads the update daemon configuration file.
package config

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/rexos/rexos-updated/api"
	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/scheduling"
	"github.com/rexos/rexos-updated/internal/util"
	"github.com/rexos/rexos-updated/internal/verify"
	"github.com/rexos/rexos-updated/internal/version"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/rexos/update.yaml"

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the content of the configuration file.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`

	Update api.SystemUpdateConfig `json:"update" yaml:"update"`

	DownloadDir       string                `json:"download_dir"             yaml:"download_dir"`
	StagingDir        string                `json:"staging_dir"              yaml:"staging_dir"`
	BackupDir         string                `json:"backup_dir,omitempty"     yaml:"backup_dir,omitempty"`
	BackupGenerations int                   `json:"backup_generations"       yaml:"backup_generations"`
	MaxRetries        int                   `json:"max_retries"              yaml:"max_retries"`
	VersionPolicy     updates.VersionPolicy `json:"version_policy"           yaml:"version_policy"`
	AutoRollback      *bool                 `json:"auto_rollback,omitempty"  yaml:"auto_rollback,omitempty"`
	CleanupSchedule   string                `json:"cleanup_schedule"         yaml:"cleanup_schedule"`
	DeviceID          string                `json:"device_id,omitempty"      yaml:"device_id,omitempty"`
	ReleaseFile       string                `json:"release_file"             yaml:"release_file"`
	StateFile         string                `json:"state_file"               yaml:"state_file"`
	Socket            string                `json:"socket"                   yaml:"socket"`
	Root              string                `json:"root"                     yaml:"root"`
}

// ServerConfig describes the update server and how to trust it.
type ServerConfig struct {
	URL       string `json:"url"        yaml:"url"`
	PublicKey string `json:"public_key" yaml:"public_key"`

	// CertificatePins are hex SHA-256 digests of accepted server public keys.
	CertificatePins []string `json:"certificate_pins,omitempty" yaml:"certificate_pins,omitempty"`

	// CACertificates are PEM encoded certificates trusted on top of the system ones.
	CACertificates []string `json:"ca_certificates,omitempty" yaml:"ca_certificates,omitempty"`

	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Default returns the stock configuration.
func Default() *Config {
	autoRollback := true

	return &Config{
		Server: ServerConfig{
			URL:     "https://updates.rexos.io",
			Timeout: "30s",
		},
		Update: api.SystemUpdateConfig{
			Channel:        updates.ChannelStable,
			CheckFrequency: "6h",
			CheckOnBoot:    true,
			AutoInstall:    false,
		},
		DownloadDir:       "/tmp/rexos-updates",
		StagingDir:        "/tmp/rexos-staging",
		BackupGenerations: 1,
		MaxRetries:        3,
		VersionPolicy:     updates.VersionPolicyPermissive,
		AutoRollback:      &autoRollback,
		CleanupSchedule:   "0 4 * * *",
		ReleaseFile:       version.DefaultReleaseFile,
		StateFile:         "/var/lib/rexos/update-state.json",
		Socket:            "/run/rexos/update.socket",
		Root:              "/",
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	body, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, cfg.Validate()
		}

		return nil, err
	}

	switch filepath.Ext(path) {
	case ".json":
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.DisallowUnknownFields()

		err = decoder.Decode(cfg)
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(body))
		decoder.KnownFields(true)

		err = decoder.Decode(cfg)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	var (
		body []byte
		err  error
	)

	if filepath.Ext(path) == ".json" {
		body, err = json.MarshalIndent(c, "", "  ")
	} else {
		body, err = yaml.Marshal(c)
	}

	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}

	return renameio.WriteFile(path, body, 0o644)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}

	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return fmt.Errorf("%w: server url %q must be http or https", ErrInvalidConfig, c.Server.URL)
	}

	if c.Server.PublicKey != "" {
		_, err := verify.NewSignatureVerifier(c.Server.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if c.Server.Timeout != "" {
		_, err := time.ParseDuration(c.Server.Timeout)
		if err != nil {
			return fmt.Errorf("%w: server timeout: %w", ErrInvalidConfig, err)
		}
	}

	err := c.Update.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.DownloadDir == "" || c.StagingDir == "" {
		return fmt.Errorf("%w: download and staging directories are required", ErrInvalidConfig)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1", ErrInvalidConfig)
	}

	if c.BackupGenerations < 1 {
		return fmt.Errorf("%w: backup_generations must be at least 1", ErrInvalidConfig)
	}

	switch c.VersionPolicy {
	case updates.VersionPolicyPermissive, updates.VersionPolicyStrict:
	default:
		return fmt.Errorf("%w: unknown version policy %q", ErrInvalidConfig, c.VersionPolicy)
	}

	if c.CleanupSchedule != "" {
		err = scheduling.ValidateCronTab(c.CleanupSchedule)
		if err != nil {
			return fmt.Errorf("%w: cleanup schedule: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// HTTPClient returns the client used to talk to the update server, with
// certificate pinning and extra CAs applied.
func (c *Config) HTTPClient() (*http.Client, error) {
	tlsConfig := verify.NewCertificatePinner(c.Server.CertificatePins).TLSConfig()

	if len(c.Server.CACertificates) > 0 {
		pool, err := util.CertPool(c.Server.CACertificates)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		tlsConfig.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert
	transport.TLSClientConfig = tlsConfig

	client := &http.Client{Transport: transport}

	// The timeout only covers establishing the response; downloads stream for longer.
	if c.Server.Timeout != "" {
		timeout, err := time.ParseDuration(c.Server.Timeout)
		if err != nil {
			return nil, err
		}

		transport.ResponseHeaderTimeout = timeout
		transport.TLSHandshakeTimeout = timeout
	}

	return client, nil
}

// Manager returns the update manager configuration.
func (c *Config) Manager(client *http.Client) manager.Config {
	return manager.Config{
		ServerURL:         c.Server.URL,
		Channel:           c.Update.Channel,
		PublicKey:         c.Server.PublicKey,
		DownloadDir:       c.DownloadDir,
		StagingDir:        c.StagingDir,
		BackupDir:         c.BackupDir,
		BackupGenerations: c.BackupGenerations,
		MaxRetries:        c.MaxRetries,
		VersionPolicy:     c.VersionPolicy,
		AutoRollback:      c.AutoRollback == nil || *c.AutoRollback,
		DeviceID:          c.DeviceID,
		ReleaseFile:       c.ReleaseFile,
		Root:              c.Root,
		HTTPClient:        client,
	}
}
