package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the bolt store into PostgreSQL",
	Long: `Copy every zone, cluster, pool, member, change ticket, task and
diagnostic record from the bolt database in storage.data_dir into the
database named by LIFEGUARD_POSTGRES_DSN.

The bolt file is backed up first and left in place. Run it with the daemon
stopped, then switch storage.driver to postgres.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backupPath, _ := cmd.Flags().GetString("backup")

		if cfg.Secrets.PostgresDSN == "" && !dryRun {
			return fmt.Errorf("LIFEGUARD_POSTGRES_DSN is required")
		}

		dbPath := filepath.Join(cfg.Storage.DataDir, storage.BoltFileName)
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s", dbPath)
		}

		if !dryRun {
			if backupPath == "" {
				backupPath = dbPath + ".backup"
			}
			fmt.Printf("Creating backup: %s\n", backupPath)
			if err := copyFile(dbPath, backupPath); err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
			fmt.Println("✓ Backup created successfully")
		}

		src, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer src.Close()

		var dst storage.Store
		if dryRun {
			// rehearse against a scratch bolt database
			dir, err := os.MkdirTemp("", "lifeguard-migrate-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			scratch, err := storage.NewBoltStore(dir)
			if err != nil {
				return err
			}
			defer scratch.Close()
			dst = scratch
		} else {
			pg, err := postgres.New(ctx, cfg.Secrets.PostgresDSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			dst = pg
		}

		counts, err := copyStore(ctx, src, dst)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Printf("Zones: %d\nClusters: %d\nPools: %d\nMembers: %d\nTickets: %d\nTasks: %d\nDiagnostics: %d\n",
			counts.Zones, counts.Clusters, counts.Pools, counts.Members, counts.Tickets, counts.Tasks, counts.Diagnostics)
		if dryRun {
			fmt.Println("\nDry run completed. No changes made.")
			return nil
		}
		fmt.Println("\n✓ Migration completed successfully!")
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Count what would be migrated without writing")
	migrateCmd.Flags().String("backup", "", "Backup path for the bolt database (default: <data-dir>/lifeguard.db.backup)")

	rootCmd.AddCommand(migrateCmd)
}

type copyCounts struct {
	Zones, Clusters, Pools, Members, Tickets, Tasks, Diagnostics int
}

// copyStore writes every record of src into dst in one transaction
func copyStore(ctx context.Context, src storage.Reader, dst storage.Store) (copyCounts, error) {
	var c copyCounts
	err := dst.Atomic(ctx, func(tx storage.Tx) error {
		c = copyCounts{}

		zones, err := src.ListZones(ctx)
		if err != nil {
			return err
		}
		for _, z := range zones {
			if err := tx.PutZone(z); err != nil {
				return err
			}
			c.Zones++
		}

		clusters, err := src.ListClusters(ctx)
		if err != nil {
			return err
		}
		for _, cl := range clusters {
			if err := tx.PutCluster(cl); err != nil {
				return err
			}
			c.Clusters++
		}

		pools, err := src.ListPools(ctx)
		if err != nil {
			return err
		}
		for _, p := range pools {
			if err := tx.PutPool(p); err != nil {
				return err
			}
			c.Pools++

			members, err := src.ListMembers(ctx, p.ID)
			if err != nil {
				return err
			}
			for _, m := range members {
				if err := tx.PutMember(m); err != nil {
					return err
				}
				c.Members++
			}

			records, err := src.ListDiagnostics(ctx, p.ID)
			if err != nil {
				return err
			}
			for _, r := range records {
				if err := tx.PutDiagnostic(r); err != nil {
					return err
				}
				c.Diagnostics++
			}
		}

		tickets, err := src.ListTickets(ctx, "")
		if err != nil {
			return err
		}
		for _, t := range tickets {
			if err := tx.PutTicket(t); err != nil {
				return fmt.Errorf("ticket %s: %w", t.ID, err)
			}
			c.Tickets++
		}

		tasks, err := src.ListTasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.PutTask(t); err != nil {
				return err
			}
			c.Tasks++
		}
		return nil
	})
	return c, err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
