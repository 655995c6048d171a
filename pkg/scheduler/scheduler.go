package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/lifeguard/pkg/coordinator"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/storage"
)

// PoolProcessor plans and implements the change of one pool
type PoolProcessor interface {
	ProcessPool(ctx context.Context, poolID string, opts coordinator.Options) error
}

// Summary counts the outcome of one cycle
type Summary struct {
	Pools  int
	Failed int
}

// Scheduler hands every pool to a fixed set of ticket workers, one pool at
// a time per worker
type Scheduler struct {
	store     storage.Reader
	processor PoolProcessor
	workers   int
	interval  time.Duration
	opts      coordinator.Options

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler(store storage.Reader, processor PoolProcessor, workers int, interval time.Duration, opts coordinator.Options) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		workers:   workers,
		interval:  interval,
		opts:      opts,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop stops the scheduler and waits for the current cycle to end
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.done)
	logger := log.WithComponent("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("Scheduler cycle failed")
		}
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce processes every pool once and waits for all of them. A pool
// failure is counted, never returned; the error reports only a failure to
// enumerate pools.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)
	logger := log.WithComponent("scheduler")

	pools, err := s.store.ListPools(ctx)
	if err != nil {
		metrics.UpdateComponent("scheduler", false, err.Error())
		return Summary{}, fmt.Errorf("failed to list pools: %w", err)
	}
	metrics.UpdateComponent("scheduler", true, "")

	queue := make(chan string)
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, pool := range pools {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case queue <- pool.ID:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < s.workers; i++ {
		worker := fmt.Sprintf("worker_%d", i)
		g.Go(func() error {
			wlog := logger.With().Str("worker", worker).Logger()
			for poolID := range queue {
				wlog.Debug().Str("pool", poolID).Msg("Assigned pool")
				if err := s.processor.ProcessPool(gctx, poolID, s.opts); err != nil {
					failed.Add(1)
					wlog.Error().Err(err).Str("pool", poolID).Msg("Pool failed")
					continue
				}
				wlog.Debug().Str("pool", poolID).Msg("Finished pool")
			}
			return nil
		})
	}

	err = g.Wait()
	summary := Summary{Pools: len(pools), Failed: int(failed.Load())}
	logger.Info().Int("pools", summary.Pools).Int("failed", summary.Failed).
		Dur("duration", timer.Duration()).Msg("Cycle finished")
	return summary, err
}
