// Package main is used for the rexos-update command line client.
package main

import (
	"context"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/rexos/rexos-updated/cli"
	"github.com/rexos/rexos-updated/internal/config"
)

func main() {
	socketPath := os.Getenv("REXOS_UPDATE_SOCKET")
	if socketPath == "" {
		socketPath = config.Default().Socket
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _ string, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}

	app := cli.NewCommand(&cli.Args{
		DefaultListFormat: "table",
		DoHTTP: func(req *http.Request) (*http.Response, error) {
			req.URL.Scheme = "http"
			req.URL.Host = "rexos-updated"

			return client.Do(req)
		},
	})

	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}
