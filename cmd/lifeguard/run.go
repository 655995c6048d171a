package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/coordinator"
	"github.com/cuemby/lifeguard/pkg/events"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run lifeguard as a daemon",
	Long: `Run the pool processing cycle every schedule.interval and the DNS audit
every schedule.audit_interval until interrupted.

When metrics.addr is set /metrics, /health and /ready are served there.
When events.brokers is set every event is also published to Kafka.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bypass, _ := cmd.Flags().GetBool("bypass-workflow")
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		metrics.SetVersion(Version)
		metrics.SetCritical("store", "scheduler")

		errCh := make(chan error, 2)

		if len(cfg.Events.Brokers) > 0 {
			sink := events.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic)
			go func() {
				if err := sink.Run(ctx, a.broker); err != nil {
					errCh <- fmt.Errorf("event sink error: %w", err)
				}
			}()
			fmt.Printf("✓ Publishing events to %s\n", cfg.Events.Topic)
		}

		var srv *http.Server
		if cfg.Metrics.Addr != "" {
			srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.NewServeMux(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("metrics server error: %w", err)
				}
			}()
			fmt.Printf("✓ Metrics listening on %s\n", cfg.Metrics.Addr)
		}

		collector := metrics.NewCollector(a.store)
		collector.Start()

		opts := coordinator.Options{Plan: true, Implement: true, Bypass: bypass}
		sched := scheduler.NewScheduler(a.store, a.coord, cfg.Workers.Tickets, cfg.Schedule.Interval, opts)
		sched.Start()
		fmt.Println("✓ Scheduler started")

		a.recon.Start()
		fmt.Println("✓ DNS reconciler started")

		fmt.Println()
		fmt.Println("Lifeguard is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case runErr = <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
		}

		sched.Stop()
		a.recon.Stop()
		collector.Stop()
		if srv != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger := log.WithComponent("metrics")
				logger.Warn().Err(err).Msg("Metrics server did not shut down cleanly")
			}
		}
		cancel()

		fmt.Println("✓ Shutdown complete")
		return runErr
	},
}

func init() {
	runCmd.Flags().Bool("bypass-workflow", false, "Implement pending changes immediately, ignoring windows and approvals")

	rootCmd.AddCommand(runCmd)
}
