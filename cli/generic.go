package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/lxc/incus/v6/shared/ask"
	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/lxc/incus/v6/shared/termios"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Edit.
type cmdGenericEdit struct {
	update *cmdUpdate
}

func (c *cmdGenericEdit) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage("edit")
	cmd.Short = "Edit the update configuration"
	cmd.Long = cli.FormatSection("Description", "Edit the update configuration")
	cmd.Example = cli.FormatSection("", `rexos-update edit < update.yaml
    Update the configuration using the content of update.yaml.`)

	cmd.RunE = c.run

	return cmd
}

func (c *cmdGenericEdit) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	// If stdin isn't a terminal, read text from it
	if !termios.IsTerminal(getStdinFd()) {
		var newdata any

		err = yaml.NewDecoder(os.Stdin).Decode(&newdata)
		if err != nil {
			return err
		}

		_, _, err = doQuery(c.update.args.DoHTTP, "PUT", apiPrefix, newdata, "")

		return err
	}

	// Extract the current value
	resp, etag, err := doQuery(c.update.args.DoHTTP, "GET", apiPrefix, nil, "")
	if err != nil {
		return err
	}

	var rawData map[string]any

	err = resp.MetadataAsStruct(&rawData)
	if err != nil {
		return err
	}

	// Only the configuration can be changed.
	data, err := yaml.Marshal(map[string]any{"config": rawData["config"]})
	if err != nil {
		return err
	}

	// Spawn the editor
	content, err := cli.TextEditor("", data)
	if err != nil {
		return err
	}

	for {
		// Parse the text received from the editor
		var newdata any

		err = yaml.NewDecoder(bytes.NewReader(content)).Decode(&newdata)
		if err == nil {
			_, _, err = doQuery(c.update.args.DoHTTP, "PUT", apiPrefix, newdata, etag)
		}

		// Respawn the editor
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Config parsing error: %s\n", err)
			_, _ = fmt.Println("Press enter to open the editor again or ctrl+c to abort change") //nolint:forbidigo

			_, err := os.Stdin.Read(make([]byte, 1))
			if err != nil {
				return err
			}

			content, err = cli.TextEditor("", content)
			if err != nil {
				return err
			}

			continue
		}

		break
	}

	return nil
}

// Run.
type cmdGenericRun struct {
	action      string
	name        string
	description string
	confirm     string

	// background actions return immediately and are followed through the progress endpoint.
	background bool
	showResult bool

	flagNoWait bool
	flagForce  bool

	update *cmdUpdate
}

func (c *cmdGenericRun) command() *cobra.Command {
	cmd := &cobra.Command{}

	if c.name == "" {
		c.name = c.action
	}

	cmd.Use = cli.Usage(c.name)
	cmd.Short = c.description
	cmd.Long = cli.FormatSection("Description", c.description)

	if c.background {
		cmd.Flags().BoolVar(&c.flagNoWait, "no-wait", false, "Don't wait for the operation to complete")
	}

	if c.confirm != "" {
		cmd.Flags().BoolVarP(&c.flagForce, "force", "f", false, "Don't ask for confirmation")
	}

	cmd.RunE = c.run

	return cmd
}

func (c *cmdGenericRun) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	// Ask for confirmation if needed.
	if c.confirm != "" && !c.flagForce {
		asker := ask.NewAsker(bufio.NewReader(os.Stdin))

		confirm, err := asker.AskBool(fmt.Sprintf("Are you sure you want to %s? (yes/no) [default=no]: ", c.confirm), "no")
		if err != nil {
			return err
		}

		if !confirm {
			return nil
		}
	}

	// Run the command.
	resp, _, err := doQuery(c.update.args.DoHTTP, "POST", apiPrefix+"/:"+c.action, nil, "")
	if err != nil {
		return err
	}

	if c.background && !c.flagNoWait {
		return c.update.follow(cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	if c.showResult {
		var rawData any

		err = resp.MetadataAsStruct(&rawData)
		if err != nil {
			return err
		}

		if rawData == nil {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "The system is up to date")

			return nil
		}

		return printYAML(cmd, rawData)
	}

	return nil
}

// Show.
type cmdGenericShow struct {
	name        string
	description string
	endpoint    string

	update *cmdUpdate
}

func (c *cmdGenericShow) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = cli.Usage(c.name)
	cmd.Short = c.description
	cmd.Long = cli.FormatSection("Description", c.description)

	cmd.RunE = c.run

	return cmd
}

func (c *cmdGenericShow) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := cli.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	apiURL := apiPrefix
	if c.endpoint != "" {
		apiURL += "/" + c.endpoint
	}

	resp, _, err := doQuery(c.update.args.DoHTTP, "GET", apiURL, nil, "")
	if err != nil {
		return err
	}

	var rawData any

	err = resp.MetadataAsStruct(&rawData)
	if err != nil {
		return err
	}

	return printYAML(cmd, rawData)
}

func printYAML(cmd *cobra.Command, data any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s", out)

	return err
}
