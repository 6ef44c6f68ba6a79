package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/punchamoorthee/paygate/internal/api"
	"github.com/punchamoorthee/paygate/internal/config"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/processor"
	"github.com/punchamoorthee/paygate/internal/ratelimit"
	"github.com/punchamoorthee/paygate/internal/retry"
	"github.com/punchamoorthee/paygate/internal/service"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/punchamoorthee/paygate/internal/webhook"
	"github.com/punchamoorthee/paygate/internal/worker"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveMigrate bool

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		RunE:  runServe,
	}
	cmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving (postgres only)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := st.(*store.Postgres); ok && serveMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)

	webhooks := webhook.NewDispatcher(st, webhook.NewHTTPSender(cfg.Webhook.Timeout), pool, webhook.Config{
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		InitialDelay:  cfg.Webhook.InitialDelay,
		Multiplier:    cfg.Webhook.Multiplier,
		DefaultSecret: cfg.Webhook.DefaultSecret,
		ClaimTTL:      cfg.Webhook.ClaimTTL,
		SweepInterval: cfg.Webhook.SweepInterval,
	}, logger)

	proc := processor.NewSimulated(processor.Config{
		SuccessRate:   cfg.Processor.SuccessRate,
		ErrorRate:     cfg.Processor.ErrorRate,
		MinLatency:    cfg.Processor.MinLatency,
		MaxLatency:    cfg.Processor.MaxLatency,
		RefundLatency: cfg.Processor.RefundLatency,
	})
	policy := retry.Policy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Initial:     cfg.Dispatch.InitialBackoff,
		Multiplier:  cfg.Dispatch.Multiplier,
	}

	guard := idempotency.NewGuard(st, cfg.IdempotencyTTL, logger)
	machine := service.NewStateMachine(st, logger)
	orchestrator := service.NewOrchestrator(st, machine, proc, webhooks, pool, policy, logger)
	transactions := service.NewTransactionService(st, guard, orchestrator, logger)
	refunds := service.NewRefundService(st, machine, proc, webhooks, pool, logger)
	reports := service.NewReportService(st)
	recovery := service.NewRecovery(st, machine, orchestrator, webhooks, guard, cfg.StuckTransactionTimeout, logger)

	handler := api.NewHandler(st, ratelimit.New(cfg.RateLimitPerMinute), transactions, refunds, reports, logger)

	// Background loops
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		webhooks.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		recovery.Run(ctx, cfg.RecoveryInterval)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	stop()
	wg.Wait()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool did not drain", "error", err)
	}
	return nil
}
