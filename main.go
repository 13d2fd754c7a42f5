package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"strava-wakatime-backend/internal/app"
	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/supervisor"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		logging.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "strava-wakatime-backend",
		Short:         "Serve cached Strava and WakaTime stats for the personal site",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "strava-wakatime-backend", version)
		},
	})
	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func runServer(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.WithComponent("main")

	logger.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("addr", cfg.Server.Addr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Str("database", cfg.Database.Path).
		Strs("integrations", cfg.EnabledIntegrations()).
		Msg("Starting strava-wakatime-backend")

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	a.Supervise(tree)

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn().Int("count", len(report)).Msg("Services did not stop within the shutdown timeout")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}
