package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tpia/internal/handler"
	"tpia/internal/scheduler"
	"tpia/internal/sweep"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic sweeps and the ops HTTP listener",
	Long: `Start the scheduler with the auto-approval, cluster activation and cycle
sweeps, and serve /health, /ready and /metrics until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// sweeps lists the engine's periodic jobs at their configured cadence.
func sweeps(a *app) []scheduler.Sweep {
	batch := a.cfg.Scheduler.BatchSize
	return []scheduler.Sweep{
		scheduler.NewSweep("auto_approval", a.cfg.Scheduler.AutoApprovalInterval, func(ctx context.Context) (*sweep.Result, error) {
			return a.lifecycle.AutoApprove(ctx, batch)
		}),
		scheduler.NewSweep("gdc_activation", a.cfg.Scheduler.ActivationInterval, func(ctx context.Context) (*sweep.Result, error) {
			return a.allocator.ActivateReady(ctx, batch)
		}),
		scheduler.NewSweep("cycles", a.cfg.Scheduler.CycleSweepInterval, func(ctx context.Context) (*sweep.Result, error) {
			return a.cycles.Sweep(ctx, batch)
		}),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateCore(); err != nil {
		return err
	}
	log.Info("Starting TPIA engine", map[string]interface{}{
		"port":            cfg.Server.Port,
		"cycle_days":      cfg.Engine.CycleDurationDays,
		"total_cycles":    cfg.Engine.TotalCycles,
		"kafka_enabled":   cfg.Kafka.Enabled,
		"sweep_batch":     cfg.Scheduler.BatchSize,
		"sweep_lease_ttl": cfg.Scheduler.LeaseTTL.String(),
	})

	a, err := newApp(cfg, log, true)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.New(a.clock, a.cache, cfg.Scheduler.LeaseTTL, log)
	if err != nil {
		return err
	}
	for _, sw := range sweeps(a) {
		if err := sched.Register(sw); err != nil {
			return err
		}
	}

	ops := handler.NewOpsHandler(a.clock, log,
		handler.Dependency{Name: "postgres", Pinger: a.store, SlowAfter: 200 * time.Millisecond},
		handler.Dependency{Name: "redis", Pinger: a.cache, SlowAfter: 50 * time.Millisecond},
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.NewRouter(ops, a.registry, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Ops listener started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	sched.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		log.Error("Ops listener failed", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Shutting down TPIA engine...", nil)

	// Running sweeps finish their current batch before the scheduler returns.
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops listener forced to shutdown: %w", err)
	}

	log.Info("TPIA engine stopped gracefully", nil)
	return nil
}
