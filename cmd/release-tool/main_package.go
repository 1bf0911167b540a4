package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"
	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/lxc/incus/v6/shared/osarch"
	"github.com/lxc/incus/v6/shared/revert"
	"github.com/spf13/cobra"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/downloader"
	"github.com/rexos/rexos-updated/internal/verify"
)

// Names of the package control files.
const (
	packageManifestName = "manifest.json"
	preInstallName      = "pre-install.sh"
	postInstallName     = "post-install.sh"
	needsRebootName     = ".needs-reboot"
	releaseName         = "release.json"
)

type cmdPackage struct {
	global *cmdGlobal

	flagKey            string
	flagChannel        string
	flagBaseURL        string
	flagMinVersion     string
	flagMaxVersion     string
	flagArchitecture   string
	flagDevices        []string
	flagConfigs        []string
	flagRemove         []string
	flagRequiresReboot bool
	flagCritical       bool
	flagTitle          string
	flagSummary        string
}

func (c *cmdPackage) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "package <source> <version> <target>"
	cmd.Short = "Build an update package"
	cmd.Long = cli.FormatSection("Description",
		`Build an update package

The content of <source> is packed as a gzip compressed tarball, laid out
relative to the device root, together with a manifest.json listing every
file with its hash. pre-install.sh and post-install.sh at the top of
<source> are run by the installer.

The package, its signed manifest and the release information served by
the update server are written to <target>.
`)

	cmd.Flags().StringVarP(&c.flagKey, "key", "k", "", "Private key file``")
	cmd.Flags().StringVar(&c.flagChannel, "channel", string(updates.ChannelStable), "Release channel``")
	cmd.Flags().StringVar(&c.flagBaseURL, "base-url", "", "URL the package and manifest are published under``")
	cmd.Flags().StringVar(&c.flagMinVersion, "min-version", "", "Oldest version allowed to update``")
	cmd.Flags().StringVar(&c.flagMaxVersion, "max-version", "", "Newest version allowed to update``")
	cmd.Flags().StringVar(&c.flagArchitecture, "architecture", "", "Target architecture (defaults to the build host's)``")
	cmd.Flags().StringSliceVar(&c.flagDevices, "device", nil, "Target device, can be repeated``")
	cmd.Flags().StringSliceVar(&c.flagConfigs, "config", nil, "Path installed as a configuration file, can be repeated``")
	cmd.Flags().StringSliceVar(&c.flagRemove, "remove", nil, "Path removed by the update, can be repeated``")
	cmd.Flags().BoolVar(&c.flagRequiresReboot, "requires-reboot", false, "The update needs a reboot")
	cmd.Flags().BoolVar(&c.flagCritical, "critical", false, "Mark the update as critical")
	cmd.Flags().StringVar(&c.flagTitle, "title", "", "Release notes title``")
	cmd.Flags().StringVar(&c.flagSummary, "summary", "", "Release notes summary``")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdPackage) run(cmd *cobra.Command, args []string) error {
	ctx := context.TODO()

	// Quick checks.
	exit, err := c.global.CheckArgs(cmd, args, 3, 3)
	if exit {
		return err
	}

	if c.flagKey == "" {
		return errors.New("a private key is required")
	}

	key, err := readKey(c.flagKey)
	if err != nil {
		return err
	}

	// Default to the build host's architecture.
	architecture := c.flagArchitecture
	if architecture == "" {
		architecture, err = osarch.ArchitectureGetLocal()
		if err != nil {
			return err
		}
	}

	opts := packageOptions{
		source:         args[0],
		version:        args[1],
		target:         args[2],
		privateKey:     key,
		channel:        updates.Channel(c.flagChannel),
		baseURL:        strings.TrimSuffix(c.flagBaseURL, "/"),
		minVersion:     c.flagMinVersion,
		maxVersion:     c.flagMaxVersion,
		architecture:   architecture,
		devices:        c.flagDevices,
		configs:        c.flagConfigs,
		remove:         c.flagRemove,
		requiresReboot: c.flagRequiresReboot,
		critical:       c.flagCritical,
		title:          c.flagTitle,
		summary:        c.flagSummary,
	}

	release, err := buildPackage(ctx, opts)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", filepath.Join(opts.target, downloader.FileName(release.Version)), units.HumanSize(float64(release.Size)))

	return nil
}

type packageOptions struct {
	source     string
	version    string
	target     string
	privateKey string

	channel      updates.Channel
	baseURL      string
	minVersion   string
	maxVersion   string
	architecture string
	devices      []string
	configs      []string
	remove       []string

	requiresReboot bool
	critical       bool
	title          string
	summary        string

	now func() time.Time
}

// buildPackage writes the package, its manifest and release information
// into opts.target.
func buildPackage(ctx context.Context, opts packageOptions) (*updates.ReleaseInfo, error) {
	if !opts.channel.IsValid() {
		return nil, fmt.Errorf("unknown update channel %q", opts.channel)
	}

	if opts.now == nil {
		opts.now = time.Now
	}

	for _, p := range append(slices.Clone(opts.configs), opts.remove...) {
		if !updates.IsSafePath(p) {
			return nil, fmt.Errorf("unsafe path %q", p)
		}
	}

	manifest := updates.NewManifest(opts.version)
	manifest.BuildDate = opts.now().UTC().Format(time.RFC3339)
	manifest.MinVersion = opts.minVersion
	manifest.MaxVersion = opts.maxVersion
	manifest.TargetDevices = opts.devices
	manifest.RequiresReboot = opts.requiresReboot
	manifest.Critical = opts.critical
	manifest.ReleaseNotes.Title = opts.title
	manifest.ReleaseNotes.Summary = opts.summary

	if opts.architecture != "" {
		manifest.Architecture = opts.architecture
	}

	for _, p := range opts.remove {
		manifest.RemoveFile(updates.CleanPath(p))
	}

	configs := map[string]bool{}
	for _, p := range opts.configs {
		configs[updates.CleanPath(p)] = true
	}

	// Describe the payload.
	err := filepath.WalkDir(opts.source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(opts.source, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		if rel == "." || isControlFile(rel) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		fileEntry := updates.FileEntry{
			Path:     rel,
			Mode:     fmt.Sprintf("%04o", info.Mode().Perm()),
			FileType: updates.FileTypeRegular,
			Action:   updates.FileActionAdd,
		}

		switch {
		case info.IsDir():
			fileEntry.FileType = updates.FileTypeDirectory
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}

			fileEntry.Mode = ""
			fileEntry.FileType = updates.FileTypeSymlink
			fileEntry.Action = updates.FileActionLink
			fileEntry.Target = target
		case info.Mode().IsRegular():
			hash, err := verify.SHA256File(path)
			if err != nil {
				return err
			}

			fileEntry.Size = info.Size()
			fileEntry.SHA256 = hash

			if configs[rel] {
				fileEntry.FileType = updates.FileTypeConfig
				fileEntry.Action = updates.FileActionConfig

				delete(configs, rel)
			}
		default:
			return fmt.Errorf("unsupported file type for %q", rel)
		}

		manifest.AddFile(fileEntry)

		return nil
	})
	if err != nil {
		return nil, err
	}

	for p := range configs {
		return nil, fmt.Errorf("configuration file %q isn't in the source", p)
	}

	// Pick up installer scripts.
	for _, name := range []string{preInstallName, postInstallName} {
		_, err := os.Stat(filepath.Join(opts.source, name))
		if err == nil {
			slog.InfoContext(ctx, "Including installer script", "name", name)
		}
	}

	_, err = os.Stat(filepath.Join(opts.source, needsRebootName))
	if err == nil {
		manifest.RequiresReboot = true
	}

	err = os.MkdirAll(opts.target, 0o755)
	if err != nil {
		return nil, err
	}

	reverter := revert.New()
	defer reverter.Fail()

	// Write the package.
	packageName := downloader.FileName(opts.version)
	packagePath := filepath.Join(opts.target, packageName)

	reverter.Add(func() { _ = os.Remove(packagePath) })

	err = writeArchive(packagePath, opts.source, manifest)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(packagePath)
	if err != nil {
		return nil, err
	}

	hash, err := verify.SHA256File(packagePath)
	if err != nil {
		return nil, err
	}

	signature, err := verify.SignFile(packagePath, opts.privateKey)
	if err != nil {
		return nil, err
	}

	manifest.CompressedSize = info.Size()
	manifest.SHA256 = hash
	manifest.Signature = signature

	err = manifest.Validate()
	if err != nil {
		return nil, err
	}

	// Write the manifest served next to the package.
	manifestName := strings.TrimSuffix(packageName, ".tar.gz") + ".manifest.json"
	manifestPath := filepath.Join(opts.target, manifestName)

	reverter.Add(func() { _ = os.Remove(manifestPath) })

	err = writeJSON(manifestPath, manifest)
	if err != nil {
		return nil, err
	}

	release := &updates.ReleaseInfo{
		Version:      opts.version,
		Channel:      opts.channel,
		DownloadURL:  packageName,
		Size:         info.Size(),
		SHA256:       hash,
		Signature:    signature,
		ReleaseNotes: opts.summary,
		ReleaseDate:  opts.now().UTC().Format(time.DateOnly),
		Critical:     opts.critical,
		MinVersion:   opts.minVersion,
		ManifestURL:  manifestName,
	}

	if opts.baseURL != "" {
		release.DownloadURL = opts.baseURL + "/" + packageName
		release.ManifestURL = opts.baseURL + "/" + manifestName
	}

	err = writeJSON(filepath.Join(opts.target, releaseName), release)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Built update package", "version", opts.version, "files", manifest.FileCount(), "size", units.HumanSize(float64(info.Size())), "uncompressed", units.HumanSize(float64(manifest.UncompressedSize)))

	reverter.Success()

	return release, nil
}

// writeArchive packs source and the package manifest into a gzip compressed tarball.
func writeArchive(path string, source string, manifest *updates.Manifest) error {
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	gz, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(gz)

	// The package manifest only lists the payload.
	body, err := json.MarshalIndent(struct {
		Version        string              `json:"version"`
		Files          []updates.FileEntry `json:"files"`
		Remove         []string            `json:"remove"`
		RequiresReboot bool                `json:"requires_reboot"`
	}{manifest.Version, manifest.Files, manifest.Remove, manifest.RequiresReboot}, "", "  ")
	if err != nil {
		return err
	}

	err = tw.WriteHeader(&tar.Header{Name: packageManifestName, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg, ModTime: time.Now()})
	if err != nil {
		return err
	}

	_, err = tw.Write(body)
	if err != nil {
		return err
	}

	err = filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		if rel == "." || rel == packageManifestName {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}

		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}

		// Build host ownership isn't carried over.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		err = tw.WriteHeader(hdr)
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path) //nolint:gosec
		if err != nil {
			return err
		}

		defer func() { _ = src.Close() }()

		_, err = io.Copy(tw, src)

		return err
	})
	if err != nil {
		return err
	}

	err = tw.Close()
	if err != nil {
		return err
	}

	err = gz.Close()
	if err != nil {
		return err
	}

	return f.Close()
}

func writeJSON(path string, data any) error {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(body, '\n'), 0o644) //nolint:gosec
}

func isControlFile(rel string) bool {
	switch rel {
	case packageManifestName, preInstallName, postInstallName, needsRebootName:
		return true
	}

	return false
}
