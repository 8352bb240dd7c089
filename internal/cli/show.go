package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pattern-edge-learner/internal/app"
)

var (
	showLimit     int
	showPattern   string
	showAction    string
	showStatus    string
	showOverrides bool

	lookupPattern string
	lookupAction  string
	lookupScope   []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display lessons or overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Pattern:   showPattern,
			Action:    showAction,
			Status:    showStatus,
			Overrides: showOverrides,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Resolve the override for a live scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := app.ParseScopeArgs(lookupScope)
		if err != nil {
			return err
		}
		return getApp().Lookup(cmd.Context(), app.LookupOptions{
			Pattern: lookupPattern,
			Action:  lookupAction,
			Scope:   scope,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of rows to display")
	showCmd.Flags().StringVar(&showPattern, "pattern", "", "Filter by pattern key")
	showCmd.Flags().StringVar(&showAction, "action", "", "Filter by action category")
	showCmd.Flags().StringVar(&showStatus, "status", "active", "Filter lessons by status (active, retired, empty for all)")
	showCmd.Flags().BoolVar(&showOverrides, "overrides", false, "Show overrides instead of lessons")

	lookupCmd.Flags().StringVar(&lookupPattern, "pattern", "", "Pattern key")
	lookupCmd.Flags().StringVar(&lookupAction, "action", "", "Action category")
	lookupCmd.Flags().StringSliceVar(&lookupScope, "scope", nil, "Live scope as key=value, repeatable")
	_ = lookupCmd.MarkFlagRequired("pattern")
	_ = lookupCmd.MarkFlagRequired("action")
}
