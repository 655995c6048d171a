package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/lifeguard/pkg/security"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a pool manifest",
	Long: `Load zones, clusters and pools from a YAML manifest into the store.

Existing records are updated in place; pools are matched by name. Only the
declared state changes: members are created and retired by the change
requests that follow.

Examples:
  # Declare pools
  lifeguard apply -f pools.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is the operator's declaration of zones, clusters and pools
type Manifest struct {
	Zones    []ZoneSpec    `yaml:"zones"`
	Clusters []ClusterSpec `yaml:"clusters"`
	Pools    []PoolSpec    `yaml:"pools"`
}

type KeySpec struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

type ZoneSpec struct {
	Number          int     `yaml:"number"`
	Name            string  `yaml:"name"`
	ComputeEndpoint string  `yaml:"compute_endpoint"`
	Session         string  `yaml:"session"`
	Template        string  `yaml:"template"`
	Vars            string  `yaml:"vars"`
	DDNSMaster      string  `yaml:"ddns_master"`
	DDNSDomain      string  `yaml:"ddns_domain"`
	ForwardKey      KeySpec `yaml:"forward_key"`
	ReverseKey      KeySpec `yaml:"reverse_key"`
}

type ClusterSpec struct {
	ID       int    `yaml:"id"`
	Zone     int    `yaml:"zone"`
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Vars     string `yaml:"vars"`
}

type PoolSpec struct {
	Name        string `yaml:"name"`
	Zone        int    `yaml:"zone"`
	Cluster     int    `yaml:"cluster"`
	Cardinality int    `yaml:"cardinality"`
	Template    string `yaml:"template"`
	Vars        string `yaml:"vars"`
}

// ApplyResult counts what a manifest wrote
type ApplyResult struct {
	Zones        int
	Clusters     int
	PoolsCreated int
	PoolsUpdated int
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}
	res, err := applyManifest(cmd.Context(), store, &m, sealer, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("✓ Applied %d zones, %d clusters, %d pools created, %d pools updated\n",
		res.Zones, res.Clusters, res.PoolsCreated, res.PoolsUpdated)
	return nil
}

// applyManifest writes m in one transaction. Clusters must reference a zone
// and pools a cluster, either from the manifest or already stored. Zone
// credentials are sealed when sealer is set.
func applyManifest(ctx context.Context, store storage.Store, m *Manifest, sealer *security.Sealer, now time.Time) (ApplyResult, error) {
	var res ApplyResult
	err := store.Atomic(ctx, func(tx storage.Tx) error {
		res = ApplyResult{}

		for _, z := range m.Zones {
			if z.Number <= 0 || z.Name == "" {
				return types.NewValidationError("zone %q: number and name are required", z.Name)
			}
			zone := &types.Zone{
				Number:            z.Number,
				Name:              z.Name,
				ComputeEndpoint:   z.ComputeEndpoint,
				SessionCredential: z.Session,
				Template:          z.Template,
				Vars:              z.Vars,
				DDNSMaster:        z.DDNSMaster,
				DDNSDomain:        z.DDNSDomain,
				ForwardKey:        types.TSIGKey{Name: z.ForwardKey.Name, Secret: z.ForwardKey.Secret},
				ReverseKey:        types.TSIGKey{Name: z.ReverseKey.Name, Secret: z.ReverseKey.Secret},
			}
			if sealer != nil {
				if err := sealer.SealZone(zone); err != nil {
					return err
				}
			}
			if err := tx.PutZone(zone); err != nil {
				return err
			}
			res.Zones++
		}

		for _, c := range m.Clusters {
			if _, err := tx.GetZone(ctx, c.Zone); err != nil {
				return fmt.Errorf("cluster %s: %w", c.Name, err)
			}
			err := tx.PutCluster(&types.Cluster{ID: c.ID, ZoneNumber: c.Zone, Name: c.Name, Template: c.Template, Vars: c.Vars})
			if err != nil {
				return err
			}
			res.Clusters++
		}

		for _, p := range m.Pools {
			if _, err := tx.GetCluster(ctx, p.Zone, p.Cluster); err != nil {
				return fmt.Errorf("pool %s: %w", p.Name, err)
			}

			pool := &types.Pool{
				Name:        p.Name,
				ZoneNumber:  p.Zone,
				ClusterID:   p.Cluster,
				Cardinality: p.Cardinality,
				Template:    p.Template,
				Vars:        p.Vars,
				UpdatedAt:   now,
			}
			existing, err := tx.GetPoolByName(ctx, p.Name)
			switch {
			case err == nil:
				pool.ID = existing.ID
				pool.CreatedAt = existing.CreatedAt
				res.PoolsUpdated++
			case errors.Is(err, types.ErrNotFound):
				pool.ID = uuid.New().String()
				pool.CreatedAt = now
				res.PoolsCreated++
			default:
				return err
			}

			if err := pool.Validate(); err != nil {
				return err
			}
			if err := tx.PutPool(pool); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}
