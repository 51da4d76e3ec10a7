// Package eventbus принимает события и создаёт по ним runs.
//
// Publish не ждёт выполнения функций: он только создаёт PENDING runs
// и ставит их id в очередь. Ошибки шагов сюда никогда не возвращаются.
package eventbus

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// ErrEmptyEventName — событие без имени.
var ErrEmptyEventName = errors.New("event name is required")

// Functions — подбор функций по имени события (registry.Registry).
type Functions interface {
	ForEvent(name string) []*domain.FunctionDefinition
}

// Enqueuer ставит run в очередь на продвижение.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// PublishResult — итог публикации.
type PublishResult struct {
	EventID string      `json:"event_id"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}

// Config — конфигурация Bus.
type Config struct {
	Runs      store.RunStore
	Functions Functions
	Enqueuer  Enqueuer // опционально
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Bus — шина событий.
type Bus struct {
	runs      store.RunStore
	functions Functions
	enqueuer  Enqueuer
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New создаёт Bus.
func New(cfg Config) *Bus {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		runs:      cfg.Runs,
		functions: cfg.Functions,
		enqueuer:  cfg.Enqueuer,
		clock:     clock,
		logger:    logger,
	}
}

// NewEventID генерирует ULID для события.
func NewEventID(clock clockwork.Clock) string {
	return ulid.MustNew(ulid.Timestamp(clock.Now()), rand.Reader).String()
}

// Publish создаёт по одному run на каждую подходящую функцию.
//
// Повторная публикация события с тем же ID не создаёт новых runs:
// возвращаются существующие. Нет подходящих функций — не ошибка.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) (*PublishResult, error) {
	if evt.Name == "" {
		return nil, ErrEmptyEventName
	}

	now := b.clock.Now()
	if evt.ID == "" {
		evt.ID = NewEventID(b.clock)
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = now.UnixMilli()
	}

	telemetry.EventsPublished.Inc()
	logger := b.logger.With("event_id", evt.ID, "event", evt.Name)

	result := &PublishResult{EventID: evt.ID, RunIDs: []uuid.UUID{}}

	fns := b.functions.ForEvent(evt.Name)
	if len(fns) == 0 {
		logger.Debug("no functions for event")
		return result, nil
	}

	tmpl := engine.NewContext(evt)
	for _, fn := range fns {
		ok, err := engine.EvalCondition(fn.Trigger.If, tmpl)
		if err != nil {
			logger.Warn("trigger filter failed, skipping function",
				"function_id", fn.ID,
				"if", fn.Trigger.If,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		run, created, err := b.runs.CreateRun(ctx, domain.NewRun(fn, evt, now))
		if err != nil {
			return result, fmt.Errorf("create run for %s: %w", fn.ID, err)
		}
		result.RunIDs = append(result.RunIDs, run.ID)

		if !created {
			logger.Debug("run already exists for event", "function_id", fn.ID, "run_id", run.ID)
			continue
		}

		telemetry.RunsCreated.WithLabelValues(fn.ID).Inc()
		logger.Info("run created", "function_id", fn.ID, "run_id", run.ID)
		b.enqueue(ctx, run.ID, logger)
	}

	return result, nil
}

// enqueue ставит run в очередь. Ошибка только логируется:
// poll-fallback воркера подберёт PENDING run.
func (b *Bus) enqueue(ctx context.Context, runID uuid.UUID, logger *slog.Logger) {
	if b.enqueuer == nil {
		return
	}
	if err := b.enqueuer.Enqueue(ctx, runID); err != nil {
		logger.Warn("failed to enqueue run", "run_id", runID, "error", err)
		return
	}
	telemetry.RunsEnqueued.WithLabelValues("event").Inc()
}
