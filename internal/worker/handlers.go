package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/orchestrator"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// handleRunReady обрабатывает сообщение run.ready.
func (w *Worker) handleRunReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunReadyPayload](&delivery.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}
	if payload.RunID == uuid.Nil {
		return fmt.Errorf("%w: empty run_id", mq.ErrReject)
	}

	w.logger.Debug("received run.ready", "run_id", payload.RunID)

	return w.advance(ctx, payload.RunID)
}

// advance вызывает Advance. Неизвестный run не ошибка доставки:
// сообщение подтверждается, повторять нечего.
func (w *Worker) advance(ctx context.Context, runID uuid.UUID) error {
	err := w.advancer.Advance(ctx, runID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrRunNotFound):
		w.logger.Warn("run not found, dropping", "run_id", runID)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func recordEnqueued(source string) {
	telemetry.RunsEnqueued.WithLabelValues(source).Inc()
}
