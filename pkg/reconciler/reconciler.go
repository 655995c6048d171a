package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lifeguard/pkg/dns"
	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/provisioner"
	"github.com/cuemby/lifeguard/pkg/storage"
)

// Reconciler keeps the name-service records of every pool in line with its
// members
type Reconciler struct {
	store     storage.Reader
	cache     *inventory.Cache
	directory provisioner.DirectoryFunc
	broker    *events.Broker
	fix       bool
	interval  time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconciler creates a reconciler auditing every interval. With fix set
// findings are corrected; otherwise they are only reported. broker may be nil.
func NewReconciler(store storage.Reader, cache *inventory.Cache, directory provisioner.DirectoryFunc, broker *events.Broker, interval time.Duration, fix bool) *Reconciler {
	return &Reconciler{
		store:     store,
		cache:     cache,
		directory: directory,
		broker:    broker,
		fix:       fix,
		interval:  interval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop and waits for the running audit
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.AuditAll(ctx, r.fix); err != nil {
			logger := log.WithComponent("reconciler")
			logger.Error().Err(err).Msg("DNS audit finished with errors")
		}
		select {
		case <-ticker.C:
		case <-r.stopCh:
			return
		}
	}
}

// AuditAll audits every pool against fresh inventory. A pool that cannot be
// audited does not stop the others; their errors are joined.
func (r *Reconciler) AuditAll(ctx context.Context, fix bool) ([]*dns.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Reset()

	pools, err := r.store.ListPools(ctx)
	if err != nil {
		metrics.UpdateComponent("dns", false, err.Error())
		return nil, fmt.Errorf("list pools: %w", err)
	}
	metrics.UpdateComponent("dns", true, "")

	var (
		logs []*dns.AuditLog
		errs []error
	)
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return logs, err
		}
		audit, err := r.auditPool(ctx, pool.ID, fix)
		if err != nil {
			logger := log.WithPool("reconciler", pool.Name)
			logger.Warn().Err(err).Msg("Skipping DNS audit of pool")
			errs = append(errs, err)
			continue
		}
		logs = append(logs, audit)
	}
	return logs, errors.Join(errs...)
}

// AuditPool audits a single pool
func (r *Reconciler) AuditPool(ctx context.Context, poolID string, fix bool) (*dns.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auditPool(ctx, poolID, fix)
}

func (r *Reconciler) auditPool(ctx context.Context, poolID string, fix bool) (*dns.AuditLog, error) {
	snap, err := inventory.Load(ctx, r.store, poolID)
	if err != nil {
		return nil, err
	}
	members, err := r.cache.DNSMembers(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", snap.Pool.Name, err)
	}
	dir, err := r.directory(snap.Zone)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", snap.Pool.Name, err)
	}

	audit := dns.NewAuditor(dir).Audit(ctx, snap.Pool.Name, members, fix)
	for _, f := range audit.Findings() {
		r.publish(snap.Pool.ID, f)
	}
	return audit, nil
}

func (r *Reconciler) publish(poolID string, f dns.Entry) {
	r.broker.Publish(events.New(events.EventDNSFinding, f.Message, map[string]string{
		"pool":      poolID,
		"check":     string(f.Check),
		"subject":   f.Subject,
		"corrected": fmt.Sprint(f.Corrected),
	}))
}
