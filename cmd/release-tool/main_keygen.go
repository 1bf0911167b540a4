package main

import (
	"fmt"
	"os"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"

	"github.com/rexos/rexos-updated/internal/verify"
)

type cmdKeygen struct {
	global *cmdGlobal
}

func (c *cmdKeygen) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "keygen <prefix>"
	cmd.Short = "Generate a signing key pair"
	cmd.Long = cli.FormatSection("Description",
		`Generate a signing key pair

This writes the hex encoded Ed25519 private key to <prefix>.key and the
public key to <prefix>.pub. The public key goes into the device's
update configuration.
`)
	cmd.RunE = c.run

	return cmd
}

func (c *cmdKeygen) run(cmd *cobra.Command, args []string) error {
	// Quick checks.
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	priv, pub, err := verify.GenerateKeypair()
	if err != nil {
		return err
	}

	// Don't silently replace an existing key.
	f, err := os.OpenFile(args[0]+".key", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(f, priv)
	if err != nil {
		_ = f.Close()

		return err
	}

	err = f.Close()
	if err != nil {
		return err
	}

	err = os.WriteFile(args[0]+".pub", []byte(pub+"\n"), 0o644) //nolint:gosec
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), pub)

	return nil
}
