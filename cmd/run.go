package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the content and image backfill loops until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner.Logger().Info("backfill service starting")
			if err := runner.Run(ctx); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			runner.Logger().Info("backfill service stopped")
			return nil
		},
	}
}
