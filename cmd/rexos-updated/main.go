// Package main is used for the rexos-updated daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	cli "github.com/lxc/incus/v6/shared/cmd"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/rexos/rexos-updated/internal/config"
	"github.com/rexos/rexos-updated/internal/daemon"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/rest"
	"github.com/rexos/rexos-updated/internal/scheduling"
	"github.com/rexos/rexos-updated/internal/state"
	"github.com/rexos/rexos-updated/internal/version"
)

type cmdGlobal struct {
	flagConfig  string
	flagDebug   bool
	flagVersion bool
}

func main() {
	globalCmd := cmdGlobal{}

	app := &cobra.Command{
		Use:   "rexos-updated",
		Short: "RexOS update daemon",
		Long: cli.FormatSection("Description",
			"RexOS update daemon\n\nThis daemon checks for, downloads and installs RexOS updates and serves\nthe local update API."),
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE:              globalCmd.run,
	}

	app.Flags().StringVarP(&globalCmd.flagConfig, "config", "c", config.DefaultPath, "Path to the configuration file")
	app.Flags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Show debug messages")
	app.Flags().BoolVarP(&globalCmd.flagVersion, "version", "v", false, "Print binary version")

	err := app.Execute()
	if err != nil {
		// Sleep for a second to allow output buffers to flush.
		time.Sleep(1 * time.Second)

		os.Exit(1)
	}
}

func (c *cmdGlobal) run(_ *cobra.Command, _ []string) error {
	if c.flagVersion {
		_, _ = fmt.Println("rexos-updated version " + version.Build) //nolint:forbidigo

		return nil
	}

	// Prepare a logger.
	level := slog.LevelInfo
	if c.flagDebug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	err := run(ctx, c.flagConfig)
	if err != nil {
		slog.ErrorContext(ctx, err.Error())

		return err
	}

	return nil
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Check privileges.
	if cfg.Root == "/" && os.Getuid() != 0 {
		return errors.New("rexos-updated must be run as root")
	}

	client, err := cfg.HTTPClient()
	if err != nil {
		return err
	}

	mgr, err := manager.New(cfg.Manager(client))
	if err != nil {
		return err
	}

	// Get persistent state.
	s, err := state.LoadOrCreate(cfg.StateFile)
	if err != nil {
		return err
	}

	scheduler, err := scheduling.NewScheduler()
	if err != nil {
		return err
	}

	defer func() { _ = scheduler.Shutdown() }()

	d := daemon.New(ctx, configPath, cfg, s, mgr, scheduler)

	slog.InfoContext(ctx, "Starting up", "version", version.Build, "server", cfg.Server.URL, "channel", cfg.Update.Channel, "socket", cfg.Socket)

	err = d.Start(ctx)
	if err != nil {
		return err
	}

	server, err := rest.NewServer(d, cfg.Socket)
	if err != nil {
		return err
	}

	err = server.Serve(ctx)

	// Stop any running operation before exiting.
	slog.InfoContext(ctx, "Shutting down")
	mgr.Cancel()
	d.Wait()

	return err
}
