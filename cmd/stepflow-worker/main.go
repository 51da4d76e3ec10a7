// Stepflow Worker — продвигает runs.
//
// Worker:
//   - Получает run id из runs.ready (RabbitMQ)
//   - Подбирает зависшие runs polling'ом хранилища
//   - Вызывает Advance: выполняет шаги до сна или завершения
//
// Workers масштабируются горизонтально: взаимоисключение на run даёт lease.
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
	"github.com/shaiso/Stepflow/internal/telemetry"
	"github.com/shaiso/Stepflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $STEPFLOW_CONFIG)")
	addr := flag.String("addr", ":8082", "address for /healthz and /metrics")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting stepflow-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *addr, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stepflow-worker failed", "error", err)
		os.Exit(1)
	}

	logger.Info("stepflow-worker stopped")
}

func run(ctx context.Context, cfg *config.Config, addr string, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	w := worker.New(worker.Config{
		Advancer:     a.Orchestrator(),
		Runs:         a.Store,
		Conn:         a.Conn,
		Clock:        a.Clock,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		StaleAfter:   cfg.Worker.StaleAfter,
		BatchSize:    cfg.Worker.BatchSize,
		Logger:       logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	api.RegisterHealth(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, addr, mux, cfg.HTTP.ShutdownTimeout, logger) })

	return g.Wait()
}
