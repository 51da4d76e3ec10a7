package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/genai"
	"github.com/shaiso/Stepflow/internal/lease"
	"github.com/shaiso/Stepflow/internal/retry"
	"github.com/shaiso/Stepflow/internal/steps"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultLeaseTTL = time.Minute
	leaseKeyPrefix  = "run:"
)

// Functions — источник определений функций (registry.Registry).
type Functions interface {
	Function(id string) (*domain.FunctionDefinition, bool)
}

// Actions — реестр действий run-шагов (steps.Registry).
type Actions interface {
	Get(name string) (steps.Action, error)
}

// Generator — адаптер генерации (genai.Adapter).
type Generator interface {
	Generate(ctx context.Context, req genai.Request) (*genai.Result, error)
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store     store.Store
	Functions Functions
	Actions   Actions
	Generator Generator

	// Locker — lease на run. По умолчанию lease.NewLocal.
	Locker lease.Locker

	// Clock — часы; в тестах clockwork.NewFakeClock.
	Clock clockwork.Clock

	// LeaseTTL — срок lease без учёта таймаута шага (default: 1m).
	LeaseTTL time.Duration

	// Env — значения, доступные шаблонам как .Env.
	Env map[string]string

	// DefaultRetry — умолчания для шагов и функций: незаданные поля их
	// политик берутся отсюда, незаданные здесь — из retry.DefaultPolicy.
	DefaultRetry *domain.RetryPolicy

	Logger *slog.Logger
}

// Orchestrator продвигает runs.
//
// Состояния в памяти между вызовами Advance нет: всё, что нужно для
// продолжения, лежит в хранилище (курсор, попытка, записи шагов, таймер).
type Orchestrator struct {
	store     store.Store
	functions Functions
	actions   Actions
	generator Generator
	locker    lease.Locker
	clock     clockwork.Clock
	leaseTTL  time.Duration
	env       map[string]string
	retry     domain.RetryPolicy
	logger    *slog.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	locker := cfg.Locker
	if locker == nil {
		locker = lease.NewLocal(clock)
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:     cfg.Store,
		functions: cfg.Functions,
		actions:   cfg.Actions,
		generator: cfg.Generator,
		locker:    locker,
		clock:     clock,
		leaseTTL:  leaseTTL,
		env:       cfg.Env,
		retry:     retry.Resolve(cfg.DefaultRetry, retry.DefaultPolicy),
		logger:    logger,
		sems:      make(map[string]*semaphore.Weighted),
	}
}

// Advance продвигает run, пока он не уснёт или не завершится.
//
// Если lease на run удерживает другой воркер, Advance возвращает nil без
// изменений: владелец lease доведёт run сам.
func (o *Orchestrator) Advance(ctx context.Context, runID uuid.UUID) error {
	l, err := o.locker.Acquire(ctx, leaseKeyPrefix+runID.String(), o.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			telemetry.LeaseContention.Inc()
			o.logger.Debug("run lease held elsewhere", "run_id", runID)
			return nil
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
			o.logger.Warn("release lease", "run_id", runID, "error", err)
		}
	}()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("get run: %w", err)
	}

	if run.IsFinished() {
		return nil
	}

	logger := telemetry.WithRun(o.logger, run.ID.String(), run.FunctionID)

	fn, ok := o.functions.Function(run.FunctionID)
	if !ok {
		logger.Error("function not registered")
		return o.stop(o.failRun(ctx, run, domain.ErrorKindOrchestratorFault,
			fmt.Sprintf("%v: %s", ErrFunctionNotFound, run.FunctionID)))
	}

	if fn.Concurrency > 0 {
		sem := o.semaphore(fn)
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire concurrency slot: %w", err)
		}
		defer sem.Release(1)
	}

	st, err := o.loadState(ctx, run, fn, l, logger)
	if err != nil {
		return err
	}

	return o.stop(o.drive(ctx, st))
}

// stop превращает errStop в успешное завершение.
func (o *Orchestrator) stop(err error) error {
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// semaphore возвращает семафор функции, создавая его при первом обращении.
func (o *Orchestrator) semaphore(fn *domain.FunctionDefinition) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()

	sem, ok := o.sems[fn.ID]
	if !ok {
		sem = semaphore.NewWeighted(int64(fn.Concurrency))
		o.sems[fn.ID] = sem
	}
	return sem
}

// Cancel принудительно завершает run: FAILED с видом cancelled, таймер удаляется.
// Выполняющийся шаг не прерывается; orchestrator заметит отмену перед следующим.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	const maxAttempts = 5

	for i := 0; i < maxAttempts; i++ {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return nil, fmt.Errorf("get run: %w", err)
		}
		if run.IsFinished() {
			return run, ErrRunFinished
		}

		now := o.clock.Now()
		run.MarkFailed(now, domain.ErrorKindCancelled, "cancelled")
		run.UpdatedAt = now
		if err := o.store.UpdateRun(ctx, run); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("update run: %w", err)
		}

		if err := o.store.DeleteTimer(ctx, run.ID); err != nil {
			o.logger.Warn("delete timer of cancelled run", "run_id", run.ID, "error", err)
		}

		telemetry.RunsFinished.WithLabelValues(run.FunctionID, string(run.Status)).Inc()
		o.logger.Info("run cancelled", "run_id", run.ID, "function_id", run.FunctionID)
		return run, nil
	}

	return nil, fmt.Errorf("cancel run %s: %w", runID, store.ErrConflict)
}
