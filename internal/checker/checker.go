// Package checker queries the update server for available releases.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/lxc/incus/v6/shared/osarch"
	"golang.org/x/sync/errgroup"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/version"
)

// Checker talks to the update server for a single channel.
type Checker struct {
	mu      sync.RWMutex
	channel updates.Channel

	serverURL    string
	architecture string
	userAgent    string
	client       *http.Client
}

// Option configures a Checker.
type Option func(*Checker)

// WithArchitecture overrides the architecture reported to the server.
func WithArchitecture(arch string) Option {
	return func(c *Checker) {
		c.architecture = arch
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *Checker) {
		c.userAgent = agent
	}
}

// New returns a Checker for the given server and channel.
func New(serverURL string, channel updates.Channel, client *http.Client, opts ...Option) (*Checker, error) {
	if client == nil {
		client = http.DefaultClient
	}

	if channel == "" {
		channel = updates.ChannelStable
	}

	if !channel.IsValid() {
		return nil, fmt.Errorf("unknown update channel %q", channel)
	}

	c := &Checker{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		channel:   channel,
		userAgent: "RexOS/" + version.Build,
		client:    client,
	}

	for _, opt := range opts {
		opt(c)
	}

	// Get local architecture.
	if c.architecture == "" {
		archName, err := osarch.ArchitectureGetLocal()
		if err != nil {
			return nil, err
		}

		c.architecture = archName
	}

	return c, nil
}

// Channel returns the channel the checker queries.
func (c *Checker) Channel() updates.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.channel
}

// SetChannel switches the channel used by later checks.
func (c *Checker) SetChannel(channel updates.Channel) error {
	if !channel.IsValid() {
		return fmt.Errorf("unknown update channel %q", channel)
	}

	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()

	return nil
}

// Architecture returns the architecture reported to the server.
func (c *Checker) Architecture() string {
	return c.architecture
}

// Check returns the latest release if it's newer than current, nil otherwise.
func (c *Checker) Check(ctx context.Context, current string) (*updates.ReleaseInfo, error) {
	release, err := c.latest(ctx, c.Channel(), current)
	if err != nil {
		return nil, err
	}

	if release == nil || !version.IsNewer(release.Version, current) {
		return nil, nil //nolint:nilnil
	}

	return release, nil
}

// CheckAllChannels returns every channel's latest release that is newer than current.
// Failures on a single channel are logged and skipped.
func (c *Checker) CheckAllChannels(ctx context.Context, current string) ([]updates.ReleaseInfo, error) {
	results := make([]*updates.ReleaseInfo, len(updates.Channels))

	g, gctx := errgroup.WithContext(ctx)

	for i, channel := range updates.Channels {
		g.Go(func() error {
			release, err := c.latest(gctx, channel, current)
			if err != nil {
				slog.WarnContext(ctx, "Failed to check update channel", "channel", channel, "err", err)

				return nil
			}

			if release != nil && version.IsNewer(release.Version, current) {
				results[i] = release
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	releases := []updates.ReleaseInfo{}

	for _, release := range results {
		if release != nil {
			releases = append(releases, *release)
		}
	}

	return releases, nil
}

// GetManifest fetches the full manifest of a release.
func (c *Checker) GetManifest(ctx context.Context, release *updates.ReleaseInfo) (*updates.Manifest, error) {
	if release.ManifestURL == "" {
		return nil, fmt.Errorf("%w: release %s has no manifest URL", ErrInvalidManifest, release.Version)
	}

	resp, err := c.get(ctx, release.ManifestURL)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to fetch manifest: %s", ErrCheckFailed, resp.Status)
	}

	manifest := &updates.Manifest{}

	err = json.NewDecoder(resp.Body).Decode(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return manifest, nil
}

// GetReleases returns up to limit past releases on the channel.
func (c *Checker) GetReleases(ctx context.Context, limit int) ([]updates.ReleaseInfo, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, c.endpoint(c.Channel(), "history")+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to fetch release history: %s", ErrCheckFailed, resp.Status)
	}

	releases := []updates.ReleaseInfo{}

	err = json.NewDecoder(resp.Body).Decode(&releases)
	if err != nil {
		return nil, fmt.Errorf("%w: bad release history: %w", ErrCheckFailed, err)
	}

	return releases, nil
}

func (c *Checker) latest(ctx context.Context, channel updates.Channel, current string) (*updates.ReleaseInfo, error) {
	query := url.Values{}
	query.Set("current_version", current)
	query.Set("arch", c.architecture)

	target := c.endpoint(channel, "latest") + "?" + query.Encode()

	slog.DebugContext(ctx, "Checking for updates", "url", target)

	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil //nolint:nilnil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: server returned %s", ErrCheckFailed, resp.Status)
	}

	release := &updates.ReleaseInfo{}

	err = json.NewDecoder(resp.Body).Decode(release)
	if err != nil {
		return nil, fmt.Errorf("%w: bad release data: %w", ErrCheckFailed, err)
	}

	if release.Channel == "" {
		release.Channel = channel
	}

	return release, nil
}

func (c *Checker) endpoint(channel updates.Channel, name string) string {
	return c.serverURL + "/api/v1/updates/" + string(channel) + "/" + name
}

func (c *Checker) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create http request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	return tryRequest(ctx, c.client, req)
}
