package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle of each enabled pipeline and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			if err := runner.RunOnce(cmd.Context()); err != nil {
				return fmt.Errorf("once: %w", err)
			}
			return nil
		},
	}
}
