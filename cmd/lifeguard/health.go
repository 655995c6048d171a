package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/coordinator"
	"github.com/cuemby/lifeguard/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run diagnostics on every member of every pool",
	Long: `Run the configured health command on every pool member, one task per
pool. A pool with failing members gets a single incident listing every
failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := health.Sweep(cmd.Context(), a.store, a.health, a.tasks, coordinator.DefaultOwner)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Checked %d pools\n", summary.Pools)
		for _, name := range summary.Failed {
			fmt.Printf("✗ %s has failing members\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
