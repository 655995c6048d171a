package main

import (
	"context"
	"fmt"

	"github.com/cuemby/lifeguard/pkg/compute"
	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/coordinator"
	"github.com/cuemby/lifeguard/pkg/dns"
	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/health"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/provisioner"
	"github.com/cuemby/lifeguard/pkg/reconciler"
	"github.com/cuemby/lifeguard/pkg/security"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/storage/postgres"
	"github.com/cuemby/lifeguard/pkg/task"
	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/cuemby/lifeguard/pkg/workflow"
)

// app is the wired orchestrator shared by the commands
type app struct {
	cfg     *config.Config
	store   storage.Store
	broker  *events.Broker
	tracker workflow.Tracker
	compute compute.Resolver
	cache   *inventory.Cache
	tasks   *task.Runner
	health  *health.Runner
	coord   *coordinator.Coordinator
	recon   *reconciler.Reconciler
}

// openStore opens the configured backend
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Secrets.PostgresDSN)
	default:
		return storage.NewBoltStore(cfg.Storage.DataDir)
	}
}

// newSealer returns nil when no secrets key is configured
func newSealer(cfg *config.Config) (*security.Sealer, error) {
	if cfg.Secrets.SecretsKey == "" {
		return nil, nil
	}
	return security.NewSealerFromPassword(cfg.Secrets.SecretsKey)
}

// directoryFor returns the dynamic-update directory of a zone
func directoryFor(cfg *config.Config, sealer *security.Sealer) provisioner.DirectoryFunc {
	return func(zone *types.Zone) (dns.Directory, error) {
		if zone.DDNSMaster == "" || zone.DDNSDomain == "" {
			return nil, fmt.Errorf("zone %d has no name-service master configured", zone.Number)
		}
		opened, err := sealer.OpenZone(zone)
		if err != nil {
			return nil, err
		}
		return dns.NewDDNSDirectory(opened, cfg.DNS), nil
	}
}

// openedResolver opens zone credentials before building a compute client
type openedResolver struct {
	compute.Resolver
	sealer *security.Sealer
}

func (r openedResolver) ClientFor(zone *types.Zone) (compute.Client, error) {
	opened, err := r.sealer.OpenZone(zone)
	if err != nil {
		return nil, err
	}
	return r.Resolver.ClientFor(opened)
}

func newRemote(cfg config.HealthConfig) (health.Remote, error) {
	if cfg.Mode == "exec" {
		return health.NewCommandRemote(cfg.User, cfg.IdentityFile, cfg.KnownHosts, cfg.Port), nil
	}
	return health.NewSSHRemote(cfg.User, cfg.IdentityFile, cfg.KnownHosts, cfg.Port)
}

// newApp wires every component. The tracker, the health runner and the
// coordinator are only built for commands that touch change requests or
// raise incidents.
func newApp(ctx context.Context, cfg *config.Config, withTracker bool) (*app, error) {
	sealer, err := newSealer(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		broker:  events.NewBroker(),
		compute: openedResolver{Resolver: compute.NewZoneResolver(cfg.Compute), sealer: sealer},
	}
	a.broker.Start()
	a.cache = inventory.NewCache(a.compute)

	var incidents task.IncidentCreator
	if withTracker {
		jira, err := workflow.NewJira(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tracker = jira
		incidents = jira
	}
	a.tasks = task.NewRunner(store, incidents, a.broker)

	directory := directoryFor(cfg, sealer)
	a.recon = reconciler.NewReconciler(store, a.cache, directory, a.broker, cfg.Schedule.AuditInterval, cfg.Schedule.AuditFix)

	if withTracker {
		remote, err := newRemote(cfg.Health)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.health = health.NewRunner(remote, store, incidents, cfg.Health, cfg.Workers.Diagnostics, coordinator.DefaultOwner)

		exec := &provisioner.Executor{
			Store:       store,
			Compute:     a.compute,
			Verifier:    a.health,
			Directory:   directory,
			SettleDelay: cfg.Health.SettleDelay,
		}
		a.coord, err = coordinator.New(cfg, store, a.tracker, exec, a.tasks, a.broker)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close waits for detached tasks and releases the store
func (a *app) Close() {
	if a.tasks != nil {
		a.tasks.Wait()
	}
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		fmt.Printf("Failed to close store: %v\n", err)
	}
}
