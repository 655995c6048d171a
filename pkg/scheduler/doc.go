/*
Package scheduler runs the pool processing cycle of lifeguard.

Every cycle enumerates the pools in the store and feeds their IDs through a
queue to a fixed number of ticket workers. A worker owns one pool at a time
and runs planning and implementation for it before taking the next one, so
pools proceed in parallel while the work for any single pool stays serial.

	┌──────────────────────────────────────────────┐
	│              Scheduler cycle                 │
	│   ListPools ──▶ queue of pool IDs            │
	└──────────────────────┬───────────────────────┘
	                       │
	        ┌──────────────┼──────────────┐
	        ▼              ▼              ▼
	   worker_0        worker_1   ...  worker_N-1
	        │              │              │
	        ▼              ▼              ▼
	   ProcessPool    ProcessPool    ProcessPool
	   (plan, then implement, per pool)

Workers receive only the pool ID. The processor reloads the pool and its
pending ticket from the store before touching anything, and the store
refuses a second pending ticket for the same pool.

# Failures

A failing pool is logged and counted in the cycle Summary; it never stops the
cycle or the other workers. RunOnce only returns an error when the pools
cannot be listed or the context ends.

# Usage

One shot, as used by the process-tickets command:

	s := scheduler.NewScheduler(store, coord, cfg.Workers.Tickets, cfg.Schedule.Interval, opts)
	summary, err := s.RunOnce(ctx)

As a daemon:

	s.Start()
	defer s.Stop()

Stop waits for the running cycle. In-flight change executions are detached
tasks and keep running until the process exits.
*/
package scheduler
