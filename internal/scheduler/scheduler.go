package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// EventCron — имя синтетического события cron-запуска.
const EventCron = "stepflow/cron"

const defaultPollInterval = time.Second

// Functions — источник cron-функций (registry.Registry).
type Functions interface {
	Scheduled() []*domain.FunctionDefinition
}

// Enqueuer ставит run в очередь на продвижение.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// Scheduler создаёт runs для функций с cron-триггером.
type Scheduler struct {
	runs         store.RunStore
	enqueuer     Enqueuer
	clock        clockwork.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	entries      []*entry
}

// Config — конфигурация Scheduler.
type Config struct {
	Runs      store.RunStore
	Functions Functions
	Enqueuer  Enqueuer // опционально: без него runs подберёт poll-fallback
	Clock     clockwork.Clock

	PollInterval time.Duration // default: 1s

	Logger *slog.Logger
}

// New создаёт Scheduler. Ошибка — если cron-выражение или часовой пояс
// функции не разбираются (реестр их уже проверил, так что это баг конфигурации).
func New(cfg Config) (*Scheduler, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		runs:         cfg.Runs,
		enqueuer:     cfg.Enqueuer,
		clock:        clock,
		pollInterval: pollInterval,
		logger:       logger,
	}

	now := clock.Now()
	for _, fn := range cfg.Functions.Scheduled() {
		e, err := newEntry(fn, now)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, e)
	}

	return s, nil
}

// Run вызывает Tick каждые PollInterval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cron scheduler started", "functions", len(s.entries))

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick выполняет один тик планировщика.
//
//  1. Находит функции, чьё время срабатывания наступило
//  2. Для каждой создаёт run с ключом "{function_id}:{due_unix}"
//  3. Сдвигает время следующего срабатывания
//  4. Ставит run в очередь
//
// Расписание отсчитывается от старта планировщика: срабатывания, пропущенные
// пока процесс стоял или лидерство переходило к другому инстансу, не
// запускаются. Несколько срабатываний, наступивших между тиками работающего
// планировщика, схлопываются в последнее. Ошибка одной функции не блокирует
// остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	var due, created int
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due++

		fireAt := e.next
		for next := e.after(fireAt); !next.After(now); next = e.after(next) {
			fireAt = next
		}

		ok, err := s.fire(ctx, e.fn, fireAt, now)
		if err != nil {
			s.logger.Error("failed to start scheduled run",
				"function_id", e.fn.ID,
				"due_at", fireAt,
				"error", err,
			)
			continue
		}
		if ok {
			created++
		}
		e.next = e.after(fireAt)
	}

	if due > 0 {
		s.logger.Info("scheduler tick completed", "due", due, "runs_created", created)
	}
	return nil
}

// fire создаёт run для срабатывания dueAt. Возвращает true, если run новый.
func (s *Scheduler) fire(ctx context.Context, fn *domain.FunctionDefinition, dueAt, now time.Time) (bool, error) {
	evt := domain.Event{
		ID:   strconv.FormatInt(dueAt.Unix(), 10),
		Name: EventCron,
		Data: map[string]any{
			"function_id":  fn.ID,
			"scheduled_at": dueAt.Format(time.RFC3339),
		},
		Timestamp: now.UnixMilli(),
	}

	run, created, err := s.runs.CreateRun(ctx, domain.NewRun(fn, evt, now))
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}

	if !created {
		s.logger.Debug("scheduled run already exists",
			"function_id", fn.ID,
			"run_id", run.ID,
			"idempotency_key", run.IdempotencyKey,
		)
		return false, nil
	}

	telemetry.RunsCreated.WithLabelValues(fn.ID).Inc()
	s.logger.Info("created run from cron trigger",
		"run_id", run.ID,
		"function_id", fn.ID,
		"due_at", dueAt,
	)

	if s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(ctx, run.ID); err != nil {
			s.logger.Warn("failed to enqueue scheduled run", "run_id", run.ID, "error", err)
		} else {
			telemetry.RunsEnqueued.WithLabelValues("cron").Inc()
		}
	}

	return true, nil
}
