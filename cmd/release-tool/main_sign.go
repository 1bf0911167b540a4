package main

import (
	"errors"
	"fmt"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"

	"github.com/rexos/rexos-updated/internal/verify"
)

type cmdSign struct {
	global *cmdGlobal

	flagKey string
}

func (c *cmdSign) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "sign <file>"
	cmd.Short = "Sign a file"
	cmd.Long = cli.FormatSection("Description",
		`Sign a file

Prints the hex encoded Ed25519 signature of the file.
`)
	cmd.Flags().StringVarP(&c.flagKey, "key", "k", "", "Private key file``")
	cmd.RunE = c.run

	return cmd
}

func (c *cmdSign) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
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

	signature, err := verify.SignFile(args[0], key)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), signature)

	return nil
}
