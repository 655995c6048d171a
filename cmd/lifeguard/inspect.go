package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/log"
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "List pools with their member counters",
	Long: `List every pool with its declared size and how its members drift:
outdated members run an older template, legacy members predate template
snapshots, terminated members are gone from the compute API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		pools, err := a.store.ListPools(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCARDINALITY\tMEMBERS\tOUTDATED\tLEGACY\tTERMINATED\tPENDING")
		for _, pool := range pools {
			snap, err := inventory.Load(ctx, a.store, pool.ID)
			if err != nil {
				return err
			}
			pending := "-"
			if ticket, err := a.store.GetPendingTicket(ctx, pool.ID); err == nil {
				pending = fmt.Sprintf("%s %s", ticket.Action, ticket.Key)
			}

			counters, err := a.cache.Counters(ctx, snap)
			if err != nil {
				logger := log.WithPool("cli", pool.Name)
				logger.Warn().Err(err).Msg("Failed to read member counters")
				fmt.Fprintf(w, "%s\t%d\t%d\t?\t?\t?\t%s\n", pool.Name, pool.Cardinality, len(snap.Members), pending)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", pool.Name, pool.Cardinality,
				counters.Members, counters.Outdated, counters.Legacy, counters.Terminated, pending)
		}
		return w.Flush()
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [ID]",
	Short: "List background tasks or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		if len(args) == 1 {
			t, err := store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Task: %s\nID: %s\nOwner: %s\nStatus: %s\nResult: %s\n", t.Name, t.ID, t.Owner, t.Status, t.Result)
			if t.IncidentKey != "" {
				fmt.Printf("Incident: %s\n", t.IncidentKey)
			}
			fmt.Printf("\n%s", t.Log)
			if t.Trace != "" {
				fmt.Printf("\nTrace:\n%s\n", t.Trace)
			}
			return nil
		}

		tasks, err := store.ListTasks(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRESULT\tELAPSED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Status, t.Result, t.Elapsed(now).Round(time.Second))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(poolsCmd)
	rootCmd.AddCommand(tasksCmd)
}
