package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/lease"
	"github.com/shaiso/Stepflow/internal/retry"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

var skippedResult = json.RawMessage(`{"skipped":true}`)

// drive исполняет шаги от курсора до сна, ошибки или конца плана.
func (o *Orchestrator) drive(ctx context.Context, st *runState) error {
	if st.run.Status == domain.RunStatusSleeping {
		timer, err := o.store.GetTimer(ctx, st.run.ID)
		switch {
		case err == nil:
			if !timer.Due(o.clock.Now()) {
				st.logger.Debug("run still sleeping", "wake_at", timer.WakeAt)
				return nil
			}
			if err := o.consumeTimer(ctx, st, timer); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("get timer: %w", err)
		}
	}

	if st.run.Status != domain.RunStatusRunning {
		resumed := st.run.StartedAt != nil
		st.run.MarkRunning(o.clock.Now())
		if err := o.save(ctx, st); err != nil {
			return err
		}
		if resumed {
			st.logger.Debug("run resumed", "cursor", st.run.Cursor, "attempt", st.run.Attempt)
		} else {
			st.logger.Info("run started", "cursor", st.run.Cursor)
		}
	}

	for {
		if st.run.Cursor == "" {
			return o.completeRun(ctx, st)
		}

		step, idx, err := st.step()
		if err != nil {
			st.logger.Error("cannot resolve cursor", "error", err)
			return o.fail(ctx, st, domain.ErrorKindOrchestratorFault, err.Error())
		}

		if err := o.checkCancelled(ctx, st); err != nil {
			return err
		}

		advanced, err := o.runStep(ctx, st, step, idx)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}

		st.run.Advance(st.next(idx))
		if err := o.save(ctx, st); err != nil {
			return err
		}
	}
}

// runStep исполняет шаг под курсором. true — шаг завершён и курсор можно двигать.
func (o *Orchestrator) runStep(ctx context.Context, st *runState, step *domain.StepSpec, idx int) (bool, error) {
	logger := telemetry.WithStep(st.logger, step.ID)

	rec, err := o.store.GetStep(ctx, st.run.ID, step.ID)
	switch {
	case err == nil:
		if rec.IsCompleted() {
			st.tmpl.AddRecord(rec)
			return true, nil
		}
		logger.Warn("step already failed", "error_kind", rec.ErrorKind)
		return false, o.fail(ctx, st, rec.ErrorKind, rec.Error)
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("get step %s: %w", step.ID, err)
	}

	ok, err := engine.EvalCondition(step.If, st.tmpl)
	if err != nil {
		return o.handleFailure(ctx, st, step, idx, domain.Permanent(err))
	}
	if !ok {
		logger.Info("step skipped", "if", step.If)
		telemetry.StepsExecuted.WithLabelValues(step.Kind, "skipped").Inc()
		return o.complete(ctx, st, step, idx, skippedResult, st.run.Attempt)
	}

	switch step.Kind {
	case domain.StepKindSleep:
		return o.sleep(ctx, st, step, idx)
	default:
		return o.execute(ctx, st, step, idx)
	}
}

// sleep ставит таймер шага sleep. Уже поставленный таймер того же шага
// не переставляется, поэтому момент пробуждения не сдвигается.
func (o *Orchestrator) sleep(ctx context.Context, st *runState, step *domain.StepSpec, idx int) (bool, error) {
	now := o.clock.Now()

	timer, err := o.store.GetTimer(ctx, st.run.ID)
	switch {
	case err == nil && timer.StepID == step.ID && timer.Reason == domain.TimerReasonSleep:
		if timer.Due(now) {
			if err := o.consumeTimer(ctx, st, timer); err != nil {
				return false, err
			}
			return o.runStep(ctx, st, step, idx)
		}
		st.run.MarkSleeping()
		return false, o.save(ctx, st)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("get timer: %w", err)
	}

	wakeAt, err := o.wakeAt(step, st, now)
	if err != nil {
		return o.handleFailure(ctx, st, step, idx, domain.Permanent(err))
	}

	timer = &domain.TimerEntry{
		RunID:     st.run.ID,
		StepID:    step.ID,
		Position:  idx,
		Reason:    domain.TimerReasonSleep,
		WakeAt:    wakeAt,
		CreatedAt: now,
	}

	if !wakeAt.After(now) {
		rec := domain.SleepRecord(timer, now)
		return o.complete(ctx, st, step, idx, rec.Result, 1)
	}

	if err := o.store.ScheduleTimer(ctx, timer); err != nil {
		return false, fmt.Errorf("schedule sleep timer: %w", err)
	}

	st.run.MarkSleeping()
	if err := o.save(ctx, st); err != nil {
		return false, err
	}

	telemetry.StepsExecuted.WithLabelValues(step.Kind, "sleeping").Inc()
	telemetry.WithStep(st.logger, step.ID).Info("run sleeping", "wake_at", wakeAt)
	return false, nil
}

func (o *Orchestrator) wakeAt(step *domain.StepSpec, st *runState, now time.Time) (time.Time, error) {
	if step.Until != "" {
		rendered, err := engine.Render(step.Until, st.tmpl)
		if err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339, rendered)
		if err != nil {
			return time.Time{}, fmt.Errorf("step %s: invalid until %q: %w", step.ID, rendered, err)
		}
		return t, nil
	}

	d, err := step.SleepDuration()
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

// consumeTimer снимает сработавший таймер. Для sleep пишется запись шага,
// для retry run просто продолжает с той же попыткой.
func (o *Orchestrator) consumeTimer(ctx context.Context, st *runState, timer *domain.TimerEntry) error {
	if err := o.store.DeleteTimer(ctx, st.run.ID); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	telemetry.TimersFired.WithLabelValues(timer.Reason).Inc()

	if timer.Reason != domain.TimerReasonSleep {
		return nil
	}
	if _, err := o.store.SaveStep(ctx, domain.SleepRecord(timer, o.clock.Now())); err != nil {
		return fmt.Errorf("save sleep record: %w", err)
	}
	return nil
}

// execute выполняет run- или ai-шаг: фиксирует попытку, вызывает эффект
// с таймаутом шага и записывает итог.
func (o *Orchestrator) execute(ctx context.Context, st *runState, step *domain.StepSpec, idx int) (bool, error) {
	st.run.Attempt++
	if err := o.save(ctx, st); err != nil {
		return false, err
	}
	attempt := st.run.Attempt

	timeout := step.Timeout()
	if err := st.lease.Extend(ctx, o.leaseTTL+timeout); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			st.logger.Warn("run lease lost before step", "step_id", step.ID)
			return false, errStop
		}
		return false, fmt.Errorf("extend lease: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	renewal := o.keepLease(stepCtx, st, timeout, cancel)

	logger := telemetry.WithStep(st.logger, step.ID)
	logger.Debug("executing step", "kind", step.Kind, "attempt", attempt)

	start := time.Now()
	output, err := o.invoke(stepCtx, st, step, attempt)
	cancel()
	lost := renewal.wait()
	telemetry.StepDuration.WithLabelValues(step.Kind).Observe(time.Since(start).Seconds())

	if lost {
		logger.Warn("run lease lost during step, result discarded", "attempt", attempt)
		return false, errStop
	}
	if err != nil {
		return o.handleFailure(ctx, st, step, idx, err)
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return o.handleFailure(ctx, st, step, idx, domain.Permanent(fmt.Errorf("encode result: %w", err)))
	}

	telemetry.StepsExecuted.WithLabelValues(step.Kind, "completed").Inc()
	logger.Info("step completed", "attempt", attempt)
	return o.complete(ctx, st, step, idx, raw, attempt)
}

// leaseRenewal — фоновое продление lease на время попытки.
type leaseRenewal struct {
	done chan struct{}
	lost atomic.Bool
}

// wait дожидается остановки продления и сообщает, был ли lease потерян.
func (r *leaseRenewal) wait() bool {
	<-r.done
	return r.lost.Load()
}

// keepLease продлевает lease каждые leaseTTL/3, пока жив ctx попытки.
// Потеря lease отменяет попытку: результат запишет новый владелец.
func (o *Orchestrator) keepLease(ctx context.Context, st *runState, timeout time.Duration, cancel context.CancelFunc) *leaseRenewal {
	r := &leaseRenewal{done: make(chan struct{})}
	ticker := o.clock.NewTicker(max(o.leaseTTL/3, time.Second))

	go func() {
		defer close(r.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := st.lease.Extend(ctx, o.leaseTTL+timeout)
				switch {
				case err == nil:
				case errors.Is(err, lease.ErrLeaseLost):
					r.lost.Store(true)
					cancel()
					return
				case ctx.Err() != nil:
					return
				default:
					st.logger.Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
	return r
}

// handleFailure спрашивает retry-координатор: повтор через таймер или FAILED.
func (o *Orchestrator) handleFailure(ctx context.Context, st *runState, step *domain.StepSpec, idx int, stepErr error) (bool, error) {
	now := o.clock.Now()
	kind := domain.KindOf(stepErr)
	attempt := max(st.run.Attempt, 1)
	logger := telemetry.WithStep(st.logger, step.ID)

	// Незаданные поля шага и функции берутся из настроенных умолчаний.
	policy := retry.Resolve(st.fn.RetryFor(step), o.retry)
	decision := retry.ShouldRetry(attempt, &policy, kind)
	if decision.Retry {
		wakeAt := now.Add(decision.After)
		timer := &domain.TimerEntry{
			RunID:     st.run.ID,
			StepID:    step.ID,
			Position:  idx,
			Reason:    domain.TimerReasonRetry,
			WakeAt:    wakeAt,
			CreatedAt: now,
		}
		if err := o.store.ScheduleTimer(ctx, timer); err != nil {
			return false, fmt.Errorf("schedule retry timer: %w", err)
		}

		st.run.MarkSleeping()
		if err := o.save(ctx, st); err != nil {
			return false, err
		}

		telemetry.StepsExecuted.WithLabelValues(step.Kind, "retry").Inc()
		logger.Warn("step failed, retry scheduled",
			"attempt", attempt,
			"error_kind", kind,
			"error", stepErr,
			"retry_at", wakeAt,
		)
		return false, nil
	}

	rec := &domain.StepRecord{
		RunID:       st.run.ID,
		StepID:      step.ID,
		Position:    idx,
		Kind:        step.Kind,
		Status:      domain.StepStatusFailed,
		Attempt:     attempt,
		Error:       stepErr.Error(),
		ErrorKind:   kind,
		CompletedAt: now,
	}
	saved, err := o.store.SaveStep(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("save failed step: %w", err)
	}
	if !saved {
		existing, err := o.store.GetStep(ctx, st.run.ID, step.ID)
		if err != nil {
			return false, fmt.Errorf("get step %s: %w", step.ID, err)
		}
		if existing.IsCompleted() {
			logger.Info("adopting step result written concurrently")
			st.tmpl.AddRecord(existing)
			return true, nil
		}
		rec = existing
	}

	telemetry.StepsExecuted.WithLabelValues(step.Kind, "failed").Inc()
	logger.Error("step failed",
		"attempt", attempt,
		"error_kind", rec.ErrorKind,
		"error", rec.Error,
	)
	return false, o.fail(ctx, st, rec.ErrorKind, rec.Error)
}

// complete пишет COMPLETED-запись. Проигравший запись принимает результат победителя.
func (o *Orchestrator) complete(ctx context.Context, st *runState, step *domain.StepSpec, idx int, result json.RawMessage, attempt int) (bool, error) {
	rec := &domain.StepRecord{
		RunID:       st.run.ID,
		StepID:      step.ID,
		Position:    idx,
		Kind:        step.Kind,
		Status:      domain.StepStatusCompleted,
		Result:      result,
		Attempt:     max(attempt, 1),
		CompletedAt: o.clock.Now(),
	}

	saved, err := o.store.SaveStep(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("save step %s: %w", step.ID, err)
	}
	if !saved {
		existing, err := o.store.GetStep(ctx, st.run.ID, step.ID)
		if err != nil {
			return false, fmt.Errorf("get step %s: %w", step.ID, err)
		}
		if !existing.IsCompleted() {
			return false, o.fail(ctx, st, existing.ErrorKind, existing.Error)
		}
		st.logger.Info("adopting step result written concurrently", "step_id", step.ID)
		rec = existing
	}

	st.tmpl.AddRecord(rec)
	return true, nil
}

// checkCancelled перечитывает run перед шагом: forced-cancel мог перевести его в FAILED.
func (o *Orchestrator) checkCancelled(ctx context.Context, st *runState) error {
	current, err := o.store.GetRun(ctx, st.run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if current.IsFinished() {
		st.logger.Info("run finished externally, stopping", "status", current.Status, "error_kind", current.ErrorKind)
		return errStop
	}
	return nil
}

func (o *Orchestrator) completeRun(ctx context.Context, st *runState) error {
	st.run.MarkCompleted(o.clock.Now())
	if err := o.save(ctx, st); err != nil {
		return err
	}

	telemetry.RunsFinished.WithLabelValues(st.run.FunctionID, string(st.run.Status)).Inc()
	st.logger.Info("run completed", "duration", st.run.Duration())
	return nil
}

// save пишет run через compare-and-set. Конфликт означает, что run изменил
// кто-то помимо этого прохода (cancel или новый владелец после истечения
// lease): продвижение тихо прекращается, run остаётся в чужом состоянии.
func (o *Orchestrator) save(ctx context.Context, st *runState) error {
	st.run.UpdatedAt = o.clock.Now()

	err := o.store.UpdateRun(ctx, st.run)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("update run: %w", err)
	}

	current, gerr := o.store.GetRun(ctx, st.run.ID)
	if gerr != nil {
		return fmt.Errorf("reload run after conflict: %w", gerr)
	}
	if current.IsFinished() {
		st.logger.Info("run finished concurrently", "status", current.Status, "error_kind", current.ErrorKind)
		return errStop
	}

	// Run продвинул другой владелец (lease истёк или перехвачен):
	// его состояние главнее, этот проход уходит без записи.
	st.logger.Warn("run advanced by another owner", "expected", st.run.Version, "actual", current.Version)
	st.run = current
	return errStop
}

func (o *Orchestrator) fail(ctx context.Context, st *runState, kind domain.ErrorKind, msg string) error {
	return o.failRun(ctx, st.run, kind, msg)
}

// failRun переводит run в FAILED. При конфликте перечитывает run и
// прекращает попытки, если тот уже завершён.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.Run, kind domain.ErrorKind, msg string) error {
	const maxAttempts = 3

	for i := 0; i < maxAttempts; i++ {
		now := o.clock.Now()
		run.MarkFailed(now, kind, msg)
		run.UpdatedAt = now

		err := o.store.UpdateRun(ctx, run)
		if err == nil {
			telemetry.RunsFinished.WithLabelValues(run.FunctionID, string(run.Status)).Inc()
			o.logger.Warn("run failed",
				"run_id", run.ID,
				"function_id", run.FunctionID,
				"error_kind", kind,
				"error", msg,
			)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("fail run: %w", err)
		}

		current, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("reload run: %w", err)
		}
		if current.IsFinished() {
			return nil
		}
		*run = *current
	}

	return fmt.Errorf("fail run %s: %w", run.ID, store.ErrConflict)
}
