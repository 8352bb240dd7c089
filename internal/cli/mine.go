package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pattern-edge-learner/internal/app"
)

var (
	mineAt     string
	mineDryRun bool
	ingestFile string
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Run one batch learning pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.MineOptions{DryRun: mineDryRun}
		if mineAt != "" {
			at, err := time.Parse(time.RFC3339, mineAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = at
		}
		return getApp().Mine(cmd.Context(), opts)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record trade closes from JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ingest(cmd.Context(), app.IngestOptions{Path: ingestFile})
	},
}

func init() {
	mineCmd.Flags().StringVar(&mineAt, "at", "", "Reference time for the lookback window (RFC3339)")
	mineCmd.Flags().BoolVar(&mineDryRun, "dry-run", false, "Mine without persisting lessons or overrides")

	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "-", "JSON lines file, - for stdin")
}
