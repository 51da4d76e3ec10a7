package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/genai"
	"github.com/shaiso/Stepflow/internal/steps"
)

// invoke вызывает эффект шага и возвращает его результат для записи.
func (o *Orchestrator) invoke(ctx context.Context, st *runState, step *domain.StepSpec, attempt int) (any, error) {
	switch step.Kind {
	case domain.StepKindRun:
		return o.invokeAction(ctx, st, step, attempt)
	case domain.StepKindAI:
		return o.invokeAI(ctx, st, step)
	default:
		return nil, domain.Permanent(fmt.Errorf("step %s: unsupported kind %q", step.ID, step.Kind))
	}
}

func (o *Orchestrator) invokeAction(ctx context.Context, st *runState, step *domain.StepSpec, attempt int) (any, error) {
	action, err := o.actions.Get(step.Action)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	config, err := engine.RenderConfig(step.Config, st.tmpl)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	req := steps.NewRequest(st.run.ID.String(), step.ID, attempt, config, st.run.Event)
	resp, err := action.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Output, nil
}

func (o *Orchestrator) invokeAI(ctx context.Context, st *runState, step *domain.StepSpec) (any, error) {
	if o.generator == nil {
		return nil, domain.Permanent(ErrNoGenerator)
	}

	req := genai.Request{
		Provider:    step.AI.Provider,
		MaxTokens:   step.AI.MaxTokens,
		Temperature: step.AI.Temperature,
	}

	var err error
	if req.Model, err = engine.Render(step.AI.Model, st.tmpl); err != nil {
		return nil, domain.Permanent(err)
	}
	if req.System, err = engine.Render(step.AI.System, st.tmpl); err != nil {
		return nil, domain.Permanent(err)
	}
	if req.Prompt, err = engine.Render(step.AI.Prompt, st.tmpl); err != nil {
		return nil, domain.Permanent(err)
	}

	res, err := o.generator.Generate(ctx, req)
	if err != nil {
		var genErr *genai.Error
		if errors.As(err, &genErr) {
			return nil, genErr.StepError()
		}
		return nil, err
	}
	return res, nil
}
