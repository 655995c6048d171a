package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/coordinator"
	"github.com/cuemby/lifeguard/pkg/scheduler"
)

var processTicketsCmd = &cobra.Command{
	Use:   "process-tickets",
	Short: "Plan and implement pool changes once",
	Long: `Run one cycle over every pool: plan a change request for each pool that
drifted from its declared state, then implement the pending change requests
that are approved and inside their window.

With --bypass-workflow pending changes run immediately regardless of window
and approvals. Each one is cancelled afterwards so the change request keeps
a record of what was done.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, _ := cmd.Flags().GetBool("plan")
		implement, _ := cmd.Flags().GetBool("implement")
		bypass, _ := cmd.Flags().GetBool("bypass-workflow")
		if !plan && !implement {
			return fmt.Errorf("nothing to do: both --plan and --implement are disabled")
		}

		a, err := newApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := coordinator.Options{Plan: plan, Implement: implement, Bypass: bypass}
		sched := scheduler.NewScheduler(a.store, a.coord, cfg.Workers.Tickets, cfg.Schedule.Interval, opts)
		summary, err := sched.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		// failed pools were already logged and escalated
		fmt.Printf("✓ Processed %d pools (%d failed)\n", summary.Pools, summary.Failed)
		return nil
	},
}

func init() {
	processTicketsCmd.Flags().Bool("plan", true, "Plan change requests for drifted pools")
	processTicketsCmd.Flags().Bool("implement", true, "Implement approved change requests inside their window")
	processTicketsCmd.Flags().Bool("bypass-workflow", false, "Implement pending changes immediately, ignoring windows and approvals")

	rootCmd.AddCommand(processTicketsCmd)
}
