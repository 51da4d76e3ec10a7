// Stepflow API — принимает события и отдаёт состояние runs по HTTP.
//
// API:
//   - POST /api/v1/events создаёт runs подписанных функций
//   - публикует run id в runs.ready (без брокера runs подбирает polling воркера)
//   - GET /api/v1/runs/{id}, POST /api/v1/runs/{id}/cancel
//   - GET /api/v1/functions, GET /api/v1/functions/{id}/runs
//
// API не выполняет шаги: Advance вызывают только воркеры.
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

	"github.com/shaiso/Stepflow/internal/api"
	"github.com/shaiso/Stepflow/internal/app"
	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/eventbus"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $STEPFLOW_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting stepflow-api")

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stepflow-api failed", "error", err)
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

	bus := eventbus.New(eventbus.Config{
		Runs:      a.Store,
		Functions: a.Functions,
		Enqueuer:  a.Enqueuer(),
		Clock:     a.Clock,
		Logger:    logger,
	})

	handler := api.NewHandler(api.Config{
		Events:    bus,
		Store:     a.Store,
		Functions: a.Functions,
		Canceller: a.Orchestrator(),
		Logger:    logger,
	})

	mux := http.NewServeMux()
	api.RegisterHealth(mux)
	handler.RegisterRoutes(mux)

	return app.Serve(ctx, cfg.HTTP.Addr, mux, cfg.HTTP.ShutdownTimeout, logger)
}
