package cli

import (
	"github.com/spf13/cobra"

	"pattern-edge-learner/internal/app"
)

var (
	exportPNGPath   string
	exportCSVPath   string
	exportPattern   string
	exportAction    string
	exportScope     []string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export lessons as CSV and/or a slice's edge history as PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := app.ParseScopeArgs(exportScope)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			Pattern:   exportPattern,
			Action:    exportAction,
			Scope:     scope,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the edge history chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write lessons CSV")
	exportCmd.Flags().StringVar(&exportPattern, "pattern", "", "Pattern key")
	exportCmd.Flags().StringVar(&exportAction, "action", "", "Action category")
	exportCmd.Flags().StringSliceVar(&exportScope, "scope", nil, "Slice scope as key=value, repeatable")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart points (defaults to config)")
}
