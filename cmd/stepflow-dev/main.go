// Stepflow Dev — API, воркер, таймеры и cron в одном процессе.
//
// Брокер не нужен: runs передаются через локальную очередь.
// Хранилище по умолчанию в памяти (-store sqlite сохраняет runs между запусками).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Stepflow/internal/api"
	"github.com/shaiso/Stepflow/internal/app"
	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/eventbus"
	"github.com/shaiso/Stepflow/internal/scheduler"
	"github.com/shaiso/Stepflow/internal/telemetry"
	"github.com/shaiso/Stepflow/internal/timer"
	"github.com/shaiso/Stepflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $STEPFLOW_CONFIG)")
	driver := flag.String("store", config.DriverMemory, "store driver: memory, sqlite or postgres")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	cfg.Store.Driver = *driver
	cfg.AMQP.URL = ""
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting stepflow-dev", "store", cfg.Store.Driver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stepflow-dev failed", "error", err)
		os.Exit(1)
	}

	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	queue := worker.NewLocalQueue(0)
	defer queue.Close()

	orch := a.Orchestrator()

	w := worker.New(worker.Config{
		Advancer:     orch,
		Runs:         a.Store,
		Queue:        queue,
		Clock:        a.Clock,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		StaleAfter:   cfg.Worker.StaleAfter,
		BatchSize:    cfg.Worker.BatchSize,
		Logger:       logger,
	})

	timers := timer.New(timer.Config{
		Store:        a.Store,
		Enqueuer:     queue,
		Clock:        a.Clock,
		PollInterval: cfg.Timer.PollInterval,
		BatchSize:    cfg.Timer.BatchSize,
		Logger:       logger.With("component", "timer"),
	})

	cron, err := scheduler.New(scheduler.Config{
		Runs:         a.Store,
		Functions:    a.Functions,
		Enqueuer:     queue,
		Clock:        a.Clock,
		PollInterval: cfg.Scheduler.PollInterval,
		Logger:       logger.With("component", "cron"),
	})
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.Config{
		Runs:      a.Store,
		Functions: a.Functions,
		Enqueuer:  queue,
		Clock:     a.Clock,
		Logger:    logger,
	})

	handler := api.NewHandler(api.Config{
		Events:    bus,
		Store:     a.Store,
		Functions: a.Functions,
		Canceller: orch,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	api.RegisterHealth(mux)
	handler.RegisterRoutes(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return timers.Run(gctx) })
	g.Go(func() error { return cron.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, cfg.HTTP.Addr, mux, cfg.HTTP.ShutdownTimeout, logger) })

	return g.Wait()
}
