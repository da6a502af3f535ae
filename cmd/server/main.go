package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"knowton/internal/platform/config"
	"knowton/internal/platform/httpserver"
	"knowton/internal/platform/logger"
	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
)

// main wires the ledger, runs its background jobs next to the ops server and
// drains everything on SIGINT/SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "audit-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("start ledger: %w", err)
	}
	defer a.close()
	log.InfoContext(ctx, "audit ledger ready", "backends", describeBackends(cfg))

	// workers drain after the signal, so they run on a context that is not
	// cancelled with it
	workCtx := context.WithoutCancel(ctx)
	a.relay.Start(workCtx)
	a.pipeline.Start(workCtx)
	a.alerts.Start(workCtx)

	if err := a.ledger.Emit(ctx, audit.Draft{
		EventType:   audit.EventSystemStartup,
		Action:      "startup",
		Description: "audit ledger started",
	}); err != nil {
		log.WarnContext(ctx, "failed to log startup event", "error", err)
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewRouter(reg, a.checks))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "ops server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(gctx) })
	}
	if a.reconciler != nil {
		g.Go(func() error { return a.reconciler.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil {
		log.Error("audit ledger stopped with error", "error", runErr)
	}

	if err := a.ledger.Emit(workCtx, audit.Draft{
		EventType:   audit.EventSystemShutdown,
		Action:      "shutdown",
		Description: "audit ledger stopping",
	}); err != nil {
		log.Warn("failed to log shutdown event", "error", err)
	}

	// producers before consumers: detectors may still emit into the relay
	a.pipeline.Close()
	a.alerts.Close()
	a.relay.Close()
	log.Info("audit ledger stopped", "pending_stream_records", a.relay.Pending())
	return runErr
}
