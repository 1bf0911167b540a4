package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// Args contains the configuration for a new update CLI instance.
type Args struct {
	DefaultListFormat string
	DoHTTP            func(req *http.Request) (*http.Response, error)

	// PollInterval is how often progress is polled while waiting.
	PollInterval time.Duration
}

// NewCommand returns a new cobra Command suitable for inclusion by downstreams.
func NewCommand(args *Args) *cobra.Command {
	cmd := cmdUpdate{
		args: args,
	}

	return cmd.command()
}
