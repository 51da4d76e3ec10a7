package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Stepflow/internal/domain"
)

// Допустимые виды шагов.
var validStepKinds = map[string]bool{
	domain.StepKindRun:   true,
	domain.StepKindSleep: true,
	domain.StepKindAI:    true,
}

// Validate выполняет полную валидацию FunctionDefinition.
//
// Проверяет:
//   - ID функции и триггер (ровно одно из event / cron)
//   - наличие и уникальность ID шагов
//   - конфигурацию каждого шага под его вид
//   - компилируемость CEL-условий
//   - политики retry
func Validate(fn *domain.FunctionDefinition) error {
	if fn == nil || fn.ID == "" {
		return NewValidationError("", "", "id", "function has empty ID", ErrEmptyFunctionID)
	}

	if err := validateTrigger(fn); err != nil {
		return err
	}

	if len(fn.Steps) == 0 {
		return NewValidationError(fn.ID, "", "steps", "function has no steps", ErrEmptySteps)
	}

	if err := validateRetry(fn.ID, "", fn.Retry); err != nil {
		return err
	}

	stepIDs := make(map[string]bool, len(fn.Steps))
	for i := range fn.Steps {
		if err := ValidateStep(fn.ID, &fn.Steps[i], stepIDs); err != nil {
			return err
		}
	}

	return nil
}

func validateTrigger(fn *domain.FunctionDefinition) error {
	tr := fn.Trigger
	if (tr.Event == "") == (tr.Cron == "") {
		return NewValidationError(fn.ID, "", "trigger",
			"trigger must set exactly one of event or cron", ErrInvalidTrigger)
	}

	if tr.Cron != "" {
		if _, err := cron.ParseStandard(tr.Cron); err != nil {
			return NewValidationError(fn.ID, "", "trigger.cron",
				fmt.Sprintf("invalid cron expression %q: %v", tr.Cron, err), ErrInvalidTrigger)
		}
		if tr.Timezone != "" {
			if _, err := time.LoadLocation(tr.Timezone); err != nil {
				return NewValidationError(fn.ID, "", "trigger.timezone",
					fmt.Sprintf("invalid timezone %q", tr.Timezone), ErrInvalidTrigger)
			}
		}
	}

	if tr.If != "" {
		if _, err := CompileCondition(tr.If); err != nil {
			return NewValidationError(fn.ID, "", "trigger.if", err.Error(), ErrInvalidCondition)
		}
	}

	return nil
}

// ValidateStep валидирует один шаг.
// stepIDs — уже встреченные ID шагов (для проверки уникальности).
func ValidateStep(functionID string, step *domain.StepSpec, stepIDs map[string]bool) error {
	if step.ID == "" {
		return NewValidationError(functionID, "", "id", "step has empty ID", ErrEmptyStepID)
	}

	if stepIDs[step.ID] {
		return NewValidationError(functionID, step.ID, "id",
			fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID)
	}
	stepIDs[step.ID] = true

	if !validStepKinds[step.Kind] {
		return NewValidationError(functionID, step.ID, "kind",
			fmt.Sprintf("unknown step kind: %q", step.Kind), ErrUnknownStepKind)
	}

	switch step.Kind {
	case domain.StepKindRun:
		if step.Action == "" {
			return NewValidationError(functionID, step.ID, "action",
				"run step requires action", ErrInvalidStepConfig)
		}

	case domain.StepKindSleep:
		if (step.Duration == "") == (step.Until == "") {
			return NewValidationError(functionID, step.ID, "duration",
				"sleep step requires exactly one of duration or until", ErrInvalidStepConfig)
		}
		if step.Duration != "" {
			if _, err := step.SleepDuration(); err != nil {
				return NewValidationError(functionID, step.ID, "duration", err.Error(), ErrInvalidStepConfig)
			}
		}

	case domain.StepKindAI:
		if step.AI == nil || step.AI.Provider == "" || step.AI.Prompt == "" {
			return NewValidationError(functionID, step.ID, "ai",
				"ai step requires provider and prompt", ErrInvalidStepConfig)
		}
	}

	if step.If != "" {
		if _, err := CompileCondition(step.If); err != nil {
			return NewValidationError(functionID, step.ID, "if", err.Error(), ErrInvalidCondition)
		}
	}

	if step.TimeoutSec < 0 {
		return NewValidationError(functionID, step.ID, "timeout_sec",
			"timeout must not be negative", ErrInvalidStepConfig)
	}

	return validateRetry(functionID, step.ID, step.Retry)
}

func validateRetry(functionID, stepID string, p *domain.RetryPolicy) error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 0 || p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return NewValidationError(functionID, stepID, "retry",
			"retry values must not be negative", ErrInvalidRetryPolicy)
	}
	switch p.Backoff {
	case "", "fixed", "exponential":
	default:
		return NewValidationError(functionID, stepID, "retry.backoff",
			fmt.Sprintf("unknown backoff %q", p.Backoff), ErrInvalidRetryPolicy)
	}
	return nil
}

// IsValidStepKind проверяет, является ли вид шага допустимым.
func IsValidStepKind(kind string) bool {
	return validStepKinds[kind]
}
