// Stepflow Scheduler — будит спящие runs и запускает cron-функции.
//
// Scheduler:
//   - Забирает сработавшие таймеры (sleep и retry) и ставит runs в очередь
//   - Создаёт runs для функций с cron-триггером
//
// Экземпляров может быть несколько: работает только лидер,
// выбранный через pg_try_advisory_lock.
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
	"github.com/shaiso/Stepflow/internal/scheduler"
	"github.com/shaiso/Stepflow/internal/telemetry"
	"github.com/shaiso/Stepflow/internal/timer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $STEPFLOW_CONFIG)")
	addr := flag.String("addr", ":8083", "address for /healthz and /metrics")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting stepflow-scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *addr, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stepflow-scheduler failed", "error", err)
		os.Exit(1)
	}

	logger.Info("stepflow-scheduler stopped")
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

	timers := timer.New(timer.Config{
		Store:        a.Store,
		Enqueuer:     a.Enqueuer(),
		Clock:        a.Clock,
		PollInterval: cfg.Timer.PollInterval,
		BatchSize:    cfg.Timer.BatchSize,
		Logger:       logger.With("component", "timer"),
	})

	cron, err := scheduler.New(scheduler.Config{
		Runs:         a.Store,
		Functions:    a.Functions,
		Enqueuer:     a.Enqueuer(),
		Clock:        a.Clock,
		PollInterval: cfg.Scheduler.PollInterval,
		Logger:       logger.With("component", "cron"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.RegisterHealth(mux)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.RunAsLeader(gctx, cfg.Scheduler.LockKey, cfg.Scheduler.PollInterval, func(ctx context.Context) error {
			lg, lctx := errgroup.WithContext(ctx)
			lg.Go(func() error { return timers.Run(lctx) })
			lg.Go(func() error { return cron.Run(lctx) })
			return lg.Wait()
		})
	})
	g.Go(func() error { return app.Serve(gctx, addr, mux, cfg.HTTP.ShutdownTimeout, logger) })

	return g.Wait()
}
