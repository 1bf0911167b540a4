package cli

import (
	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"
)

// RexOS update management command.
type cmdUpdate struct {
	args *Args
}

func (c *cmdUpdate) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("rexos-update")
	cmd.Short = "Manage RexOS updates"
	cmd.Long = cli.FormatSection("Description", "Manage RexOS updates")
	cmd.SilenceUsage = true

	// Backups.
	backupsCmd := cmdUpdateBackups{update: c}
	cmd.AddCommand(backupsCmd.command())

	// Cancel.
	cancelCmd := cmdGenericRun{
		update:      c,
		action:      "cancel",
		description: "Cancel the running download or installation",
	}
	cmd.AddCommand(cancelCmd.command())

	// Channel.
	channelCmd := cmdUpdateChannel{update: c}
	cmd.AddCommand(channelCmd.command())

	// Check.
	checkCmd := cmdGenericRun{
		update:      c,
		action:      "check",
		description: "Check for updates",
		showResult:  true,
	}
	cmd.AddCommand(checkCmd.command())

	// Download.
	downloadCmd := cmdGenericRun{
		update:      c,
		action:      "download",
		description: "Download and verify the available update",
		background:  true,
	}
	cmd.AddCommand(downloadCmd.command())

	// Edit.
	editCmd := cmdGenericEdit{update: c}
	cmd.AddCommand(editCmd.command())

	// Install.
	installCmd := cmdGenericRun{
		update:      c,
		action:      "install",
		description: "Install the downloaded update",
		background:  true,
		confirm:     "install the update",
	}
	cmd.AddCommand(installCmd.command())

	// Progress.
	progressCmd := cmdGenericShow{update: c, name: "progress", description: "Show the progress of the running operation", endpoint: "progress"}
	cmd.AddCommand(progressCmd.command())

	// Rollback.
	rollbackCmd := cmdGenericRun{
		update:      c,
		action:      "rollback",
		description: "Roll back the last update",
		confirm:     "roll back the last update",
		showResult:  true,
	}
	cmd.AddCommand(rollbackCmd.command())

	// Show.
	showCmd := cmdGenericShow{update: c, name: "show", description: "Show the update configuration and state"}
	cmd.AddCommand(showCmd.command())

	// Status.
	statusCmd := cmdUpdateStatus{update: c}
	cmd.AddCommand(statusCmd.command())

	// Update.
	updateCmd := cmdGenericRun{
		update:      c,
		action:      "update",
		name:        "upgrade",
		description: "Check, download and install the latest update",
		background:  true,
		confirm:     "update the system",
	}
	cmd.AddCommand(updateCmd.command())

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706.
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, _ []string) { _ = cmd.Usage() }

	return cmd
}
