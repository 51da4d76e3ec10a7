// Package timer будит спящие runs.
//
// Service периодически забирает сработавшие таймеры (ClaimDueTimers удаляет
// их атомарно, поэтому каждый таймер срабатывает ровно один раз даже при
// нескольких экземплярах), для sleep-таймеров пишет COMPLETED-запись шага
// и ставит run в очередь воркеров.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// Enqueuer ставит run в очередь на продвижение.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// Store — нужные сервису таблицы.
type Store interface {
	store.StepStore
	store.TimerStore
}

// Config — конфигурация Service.
type Config struct {
	Store    Store
	Enqueuer Enqueuer // опционально: без него runs подберёт poll-fallback
	Clock    clockwork.Clock

	PollInterval time.Duration // default: 1s
	BatchSize    int           // default: 100

	Logger *slog.Logger
}

// Service — опрос таймеров.
type Service struct {
	store        Store
	enqueuer     Enqueuer
	clock        clockwork.Clock
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
}

// New создаёт Service.
func New(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:        cfg.Store,
		enqueuer:     cfg.Enqueuer,
		clock:        clock,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Run опрашивает таймеры до отмены ctx.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("timer service started", "poll_interval", s.pollInterval, "batch_size", s.batchSize)

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer service stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Drain(ctx); err != nil {
				s.logger.Error("timer tick failed", "error", err)
			}
		}
	}
}

// Drain повторяет Tick, пока забирается полная пачка.
func (s *Service) Drain(ctx context.Context) error {
	for {
		n, err := s.Tick(ctx)
		if err != nil {
			return err
		}
		if n < s.batchSize || ctx.Err() != nil {
			return nil
		}
	}
}

// Tick обрабатывает одну пачку сработавших таймеров и возвращает её размер.
//
// Ошибка записи или постановки в очередь одного таймера не останавливает
// остальные: run без таймера и без записи подберёт poll-fallback воркера.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()

	timers, err := s.store.ClaimDueTimers(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due timers: %w", err)
	}

	for i := range timers {
		s.fire(ctx, &timers[i], now)
	}

	if len(timers) > 0 {
		s.logger.Debug("timers fired", "count", len(timers))
	}
	return len(timers), nil
}

func (s *Service) fire(ctx context.Context, t *domain.TimerEntry, now time.Time) {
	logger := s.logger.With("run_id", t.RunID, "step_id", t.StepID, "reason", t.Reason)
	telemetry.TimersFired.WithLabelValues(t.Reason).Inc()

	if t.Reason == domain.TimerReasonSleep {
		if _, err := s.store.SaveStep(ctx, domain.SleepRecord(t, now)); err != nil {
			logger.Error("save sleep record", "error", err)
			return
		}
	}

	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.Enqueue(ctx, t.RunID); err != nil {
		logger.Warn("enqueue woken run", "error", err)
		return
	}
	telemetry.RunsEnqueued.WithLabelValues("timer").Inc()
	logger.Debug("run woken", "wake_at", t.WakeAt, "lag", now.Sub(t.WakeAt))
}
