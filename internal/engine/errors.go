package engine

import "errors"

// Ошибки валидации FunctionDefinition.
var (
	// ErrEmptyFunctionID — функция не имеет ID.
	ErrEmptyFunctionID = errors.New("function has empty ID")

	// ErrInvalidTrigger — нужен ровно один из trigger.event / trigger.cron.
	ErrInvalidTrigger = errors.New("function trigger must set exactly one of event or cron")

	// ErrEmptySteps — функция не содержит шагов.
	ErrEmptySteps = errors.New("function has no steps")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrUnknownStepKind — неизвестный вид шага.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrInvalidStepConfig — конфигурация не подходит к виду шага.
	ErrInvalidStepConfig = errors.New("invalid step config")

	// ErrInvalidRetryPolicy — некорректная политика retry.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// Ошибки условий.
var (
	// ErrInvalidCondition — CEL-выражение не компилируется.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrConditionNotBool — выражение вернуло не bool.
	ErrConditionNotBool = errors.New("condition did not evaluate to bool")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	FunctionID string // ID функции
	StepID     string // ID шага, где произошла ошибка
	Field      string // поле, вызвавшее ошибку
	Message    string // описание ошибки
	Err        error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	prefix := ""
	if e.FunctionID != "" {
		prefix = "function " + e.FunctionID + ": "
	}
	if e.StepID != "" {
		return prefix + "step " + e.StepID + ": " + e.Message
	}
	return prefix + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(functionID, stepID, field, message string, err error) *ValidationError {
	return &ValidationError{
		FunctionID: functionID,
		StepID:     stepID,
		Field:      field,
		Message:    message,
		Err:        err,
	}
}
