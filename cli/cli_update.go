package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/go-units"
	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rexos/rexos-updated/api"
	"github.com/rexos/rexos-updated/api/updates"
)

// Status.
type cmdUpdateStatus struct {
	update *cmdUpdate
}

func (c *cmdUpdateStatus) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("status")
	cmd.Short = "Show a summary of the update state"
	cmd.Long = cli.FormatSection("Description", "Show a summary of the update state")

	cmd.RunE = c.run

	return cmd
}

func (c *cmdUpdateStatus) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	status, err := c.update.status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintf(out, "Version: %s\n", status.State.CurrentVersion)
	_, _ = fmt.Fprintf(out, "Channel: %s\n", status.Config.Channel)
	_, _ = fmt.Fprintf(out, "Status: %s\n", status.State.Status)

	if !status.State.LastCheck.IsZero() {
		_, _ = fmt.Fprintf(out, "Last check: %s\n", status.State.LastCheck.Local().Format(dateLayoutSecond))
	}

	if status.State.Available != nil {
		release := status.State.Available

		critical := ""
		if release.Critical {
			critical = ", critical"
		}

		_, _ = fmt.Fprintf(out, "Available: %s (%s%s)\n", release.Version, units.HumanSize(float64(release.Size)), critical)
	}

	if status.State.LastError != "" {
		_, _ = fmt.Fprintf(out, "Last error: %s\n", status.State.LastError)
	}

	if status.State.NeedsReboot {
		_, _ = fmt.Fprintln(out, "A reboot is required to complete the update")
	}

	return nil
}

// Channel.
type cmdUpdateChannel struct {
	update *cmdUpdate
}

func (c *cmdUpdateChannel) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("channel", "[<channel>]")
	cmd.Short = "Show or change the update channel"
	cmd.Long = cli.FormatSection("Description", `Show or change the update channel

Valid channels are stable, beta and nightly.`)

	cmd.RunE = c.run

	return cmd
}

func (c *cmdUpdateChannel) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 1)
	if exit {
		return err
	}

	status, err := c.update.status()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), status.Config.Channel)

		return nil
	}

	channel := updates.Channel(args[0])
	if !channel.IsValid() {
		return fmt.Errorf("unknown update channel %q", args[0])
	}

	status.Config.Channel = channel

	_, _, err = doQuery(c.update.args.DoHTTP, "PUT", apiPrefix, api.SystemUpdate{Config: status.Config}, "")

	return err
}

// Backups.
type cmdUpdateBackups struct {
	update *cmdUpdate

	flagFormat string
}

func (c *cmdUpdateBackups) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("backups")
	cmd.Short = "List the backups available for rollback"
	cmd.Long = cli.FormatSection("Description", "List the backups available for rollback")
	cmd.Flags().StringVarP(&c.flagFormat, "format", "f", c.update.args.DefaultListFormat, "Format (csv|json|table|yaml|compact|markdown), use suffix \",noheader\" to disable headers and \",header\" to enable it if missing, e.g. csv,header``")

	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.ValidateFlagFormatForListOutput(cmd.Flag("format").Value.String())
	}

	cmd.RunE = c.run

	return cmd
}

func (c *cmdUpdateBackups) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	resp, _, err := doQuery(c.update.args.DoHTTP, "GET", apiPrefix+"/backups", nil, "")
	if err != nil {
		return err
	}

	backups := []api.SystemUpdateBackup{}

	err = resp.MetadataAsStruct(&backups)
	if err != nil {
		return err
	}

	// Newest first.
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	data := [][]string{}
	for _, b := range backups {
		data = append(data, []string{b.Name, b.Timestamp.Local().Format(dateLayoutSecond), b.PreviousVersion, b.Version, strconv.Itoa(b.Files), strconv.Itoa(b.Created)})
	}

	header := []string{
		"NAME",
		"TAKEN AT",
		"RESTORES",
		"REPLACED BY",
		"FILES",
		"CREATED",
	}

	return cli.RenderTable(cmd.OutOrStdout(), c.flagFormat, header, data, backups)
}

func (c *cmdUpdate) status() (*api.SystemUpdate, error) {
	resp, _, err := doQuery(c.args.DoHTTP, "GET", apiPrefix, nil, "")
	if err != nil {
		return nil, err
	}

	status := &api.SystemUpdate{}

	err = resp.MetadataAsStruct(status)
	if err != nil {
		return nil, err
	}

	return status, nil
}

// follow renders the progress of a background operation until it ends.
func (c *cmdUpdate) follow(out io.Writer, errOut io.Writer) error {
	interval := c.args.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	var (
		bar   *progressbar.ProgressBar
		phase string
	)

	finish := func() {
		if bar != nil {
			_ = bar.Finish()
			_, _ = fmt.Fprintln(errOut)
			bar = nil
		}
	}

	for {
		resp, _, err := doQuery(c.args.DoHTTP, "GET", apiPrefix+"/progress", nil, "")
		if err != nil {
			finish()

			return err
		}

		progress := api.SystemUpdateProgress{}

		err = resp.MetadataAsStruct(&progress)
		if err != nil {
			finish()

			return err
		}

		switch {
		case progress.Install != nil && progress.Busy && progress.Install.Step != updates.InstallStepDone:
			if phase != "install" {
				finish()

				phase = "install"
				bar = progressbar.NewOptions(progress.Install.TotalSteps,
					progressbar.OptionSetWriter(errOut),
					progressbar.OptionSetDescription("Installing"),
					progressbar.OptionShowCount(),
				)
			}

			bar.Describe(string(progress.Install.Step))
			_ = bar.Set(progress.Install.CurrentStep)
		case progress.Download != nil && progress.Download.State == updates.DownloadStateDownloading:
			if phase != "download" {
				finish()

				phase = "download"
				bar = progressbar.NewOptions64(progress.Download.Total,
					progressbar.OptionSetWriter(errOut),
					progressbar.OptionSetDescription("Downloading "+progress.Download.Version),
					progressbar.OptionShowBytes(true),
				)
			}

			_ = bar.Set64(progress.Download.Downloaded)
		}

		if !progress.Busy {
			status, err := c.status()
			if err != nil {
				finish()

				return err
			}

			if !status.State.InProgress() {
				finish()

				return report(out, status)
			}
		}

		time.Sleep(interval)
	}
}

func report(out io.Writer, status *api.SystemUpdate) error {
	if status.State.Status == api.UpdateStatusFailed {
		return errors.New(status.State.LastError)
	}

	result := status.State.LastResult

	switch {
	case status.State.Status == api.UpdateStatusAvailable && status.State.Available != nil:
		_, _ = fmt.Fprintf(out, "Update %s is ready to install\n", status.State.Available.Version)
	case result != nil:
		_, _ = fmt.Fprintf(out, "Installed %s: %d updated, %d added, %d removed, %d configs preserved\n", result.Version, result.FilesUpdated, result.FilesAdded, result.FilesRemoved, result.ConfigsPreserved)
	default:
		_, _ = fmt.Fprintln(out, "The system is up to date")
	}

	if status.State.NeedsReboot {
		_, _ = fmt.Fprintln(out, "Reboot to complete the update")
	}

	return nil
}
