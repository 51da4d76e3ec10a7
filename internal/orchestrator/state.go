package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/lease"
)

// runState — состояние одного вызова Advance.
//
// Создаётся из хранилища в начале Advance и отбрасывается в конце.
// Контекст шаблонов содержит результаты всех COMPLETED-шагов run.
type runState struct {
	run    *domain.Run
	fn     *domain.FunctionDefinition
	lease  lease.Lease
	tmpl   *engine.Context
	logger *slog.Logger
}

// loadState поднимает мемоизированные результаты шагов в контекст шаблонов.
func (o *Orchestrator) loadState(
	ctx context.Context,
	run *domain.Run,
	fn *domain.FunctionDefinition,
	l lease.Lease,
	logger *slog.Logger,
) (*runState, error) {
	records, err := o.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	tmpl := engine.NewContext(run.Event)
	for k, v := range o.env {
		tmpl.SetEnv(k, v)
	}
	for i := range records {
		if records[i].IsCompleted() {
			tmpl.AddRecord(&records[i])
		}
	}

	return &runState{
		run:    run,
		fn:     fn,
		lease:  l,
		tmpl:   tmpl,
		logger: logger,
	}, nil
}

// step возвращает шаг под курсором и его позицию.
func (s *runState) step() (*domain.StepSpec, int, error) {
	idx := s.fn.StepIndex(s.run.Cursor)
	if idx < 0 {
		return nil, -1, fmt.Errorf("%w: step %q not in plan of %s", ErrCorruptedCursor, s.run.Cursor, s.fn.ID)
	}
	return &s.fn.Steps[idx], idx, nil
}

// next возвращает ID шага после позиции idx или "" для последнего.
func (s *runState) next(idx int) string {
	if idx+1 < len(s.fn.Steps) {
		return s.fn.Steps[idx+1].ID
	}
	return ""
}
