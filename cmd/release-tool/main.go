// Package main is used for the RexOS release tool.
package main

import (
	"os"
	"strings"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"
)

type cmdGlobal struct {
	flagHelp bool
}

func main() {
	// Global flags.
	globalCmd := cmdGlobal{}

	app := &cobra.Command{
		Use:   "release-tool",
		Short: "RexOS release tool",
		Long: cli.FormatSection("Description",
			"RexOS release tool\n\nThis tool generates signing keys, signs files and builds update packages\nwith their manifest and release information."),
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")

	// Keygen.
	keygenCmd := cmdKeygen{global: &globalCmd}
	app.AddCommand(keygenCmd.command())

	// Package.
	packageCmd := cmdPackage{global: &globalCmd}
	app.AddCommand(packageCmd.command())

	// Sign.
	signCmd := cmdSign{global: &globalCmd}
	app.AddCommand(signCmd.command())

	// Help handling.
	app.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	// Run the main command and handle errors.
	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// CheckArgs validates the number of arguments, showing the help otherwise.
func (*cmdGlobal) CheckArgs(cmd *cobra.Command, args []string, minArgs int, maxArgs int) (bool, error) {
	return cli.CheckArgs(cmd, args, minArgs, maxArgs)
}

// readKey reads a hex encoded key file.
func readKey(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
