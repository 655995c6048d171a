package metrics

import (
	"context"
	"time"

	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

// Collector periodically exports store-derived gauges
type Collector struct {
	store    storage.Reader
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Reader) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	logger := log.WithComponent("metrics")
	if err := c.collectPools(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to collect pool metrics")
		UpdateComponent("store", false, err.Error())
		return
	}
	if err := c.collectTickets(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to collect ticket metrics")
	}
	if err := c.collectTasks(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to collect task metrics")
	}
	UpdateComponent("store", true, "")
}

func (c *Collector) collectPools(ctx context.Context) error {
	pools, err := c.store.ListPools(ctx)
	if err != nil {
		return err
	}

	PoolsTotal.Set(float64(len(pools)))
	for _, pool := range pools {
		members, err := c.store.ListMembers(ctx, pool.ID)
		if err != nil {
			return err
		}
		PoolMembers.WithLabelValues(pool.Name).Set(float64(len(members)))
		PoolCardinality.WithLabelValues(pool.Name).Set(float64(pool.Cardinality))
	}
	return nil
}

func (c *Collector) collectTickets(ctx context.Context) error {
	tickets, err := c.store.ListTickets(ctx, "")
	if err != nil {
		return err
	}

	pending := 0
	for _, t := range tickets {
		if !t.Done() {
			pending++
		}
	}
	PendingTickets.Set(float64(pending))
	return nil
}

func (c *Collector) collectTasks(ctx context.Context) error {
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	counts := map[types.TaskStatus]int{
		types.TaskStatusPending:  0,
		types.TaskStatusRunning:  0,
		types.TaskStatusFinished: 0,
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	for status, n := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}
