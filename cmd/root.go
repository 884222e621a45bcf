// Package cmd defines the CLI of the backfill service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/app"
	"github.com/JakeFAU/ipfs-backfill/internal/config"
	"github.com/JakeFAU/ipfs-backfill/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// Runner is what the subcommands need from the application.
type Runner interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) error
	Logger() *zap.Logger
	Close()
}

// newRunner is the application factory. Tests replace it.
var newRunner = func(ctx context.Context, cfgFile, envFile string) (Runner, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, app.Services{}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &appRunner{App: a, logger: logger}, nil
}

type appRunner struct {
	*app.App
	logger *zap.Logger
}

func (r *appRunner) Logger() *zap.Logger { return r.logger }

func (r *appRunner) RunOnce(ctx context.Context) error {
	reports, err := r.App.RunOnce(ctx)
	for _, report := range reports {
		r.logger.Info("cycle report",
			zap.String("pipeline", report.Pipeline),
			zap.String("cycle_id", report.ID),
			zap.Int("selected", report.Selected),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
		)
	}
	return err
}

func (r *appRunner) Close() {
	r.App.Close()
	_ = r.logger.Sync()
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:   "ipfs-backfill",
		Short: "Backfills IPFS-hosted atom content and images into Postgres.",
		Long: `ipfs-backfill polls the database for atoms whose data points at IPFS,
fetches the documents through a gateway, stores them, and then downloads
the images those documents reference.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := newRunner(cmd.Context(), cfgFile, envFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, runner))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if runner, ok := cmd.Context().Value(appKey).(Runner); ok && runner != nil {
				runner.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newRunCmd(), newOnceCmd())
	return cmd
}

func resolveRunner(ctx context.Context) (Runner, error) {
	runner, ok := ctx.Value(appKey).(Runner)
	if !ok || runner == nil {
		return nil, errors.New("application not initialized")
	}
	return runner, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
