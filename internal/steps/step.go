package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stepflow/internal/domain"
)

// Ошибки действий.
var (
	// ErrActionNotFound — действие не зарегистрировано.
	ErrActionNotFound = errors.New("action not found")

	// ErrInvalidConfig — невалидная конфигурация шага.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrStepCancelled — выполнение отменено через context.
	ErrStepCancelled = errors.New("step execution cancelled")
)

// Action — побочный эффект run-шага.
//
// Execute может быть вызван повторно для того же шага (retry, падение
// воркера между эффектом и записью результата), поэтому внешние вызовы
// должны передавать Request.IdempotencyKey получателю.
type Action interface {
	// Name возвращает имя, по которому шаг ссылается на действие.
	Name() string

	// Execute выполняет действие. Ошибка классифицируется через domain.KindOf:
	// неклассифицированные считаются временными.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request — входные данные действия.
type Request struct {
	RunID  string
	StepID string

	// Attempt — номер попытки, начиная с 1.
	Attempt int

	// IdempotencyKey — "<run_id>:<step_id>", стабилен между попытками.
	IdempotencyKey string

	// Config — конфигурация шага, уже отрендеренная engine.RenderConfig.
	Config map[string]any

	Event domain.Event
}

// Response — результат действия. Output сериализуется в JSON и
// становится результатом шага.
type Response struct {
	Output any
}

// NewRequest создаёт Request для попытки шага.
func NewRequest(runID, stepID string, attempt int, config map[string]any, evt domain.Event) *Request {
	if config == nil {
		config = make(map[string]any)
	}
	return &Request{
		RunID:          runID,
		StepID:         stepID,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(runID, stepID),
		Config:         config,
		Event:          evt,
	}
}

// IdempotencyKey формирует ключ идемпотентности внешнего эффекта шага.
func IdempotencyKey(runID, stepID string) string {
	return runID + ":" + stepID
}

// NewResponse создаёт Response.
func NewResponse(output any) *Response {
	return &Response{Output: output}
}

// Func — действие на обычной функции Go.
type Func func(ctx context.Context, req *Request) (any, error)

type funcAction struct {
	name string
	fn   Func
}

// NewFunc оборачивает функцию в Action.
func NewFunc(name string, fn Func) Action {
	return &funcAction{name: name, fn: fn}
}

func (a *funcAction) Name() string { return a.name }

func (a *funcAction) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}
	out, err := a.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewResponse(out), nil
}

// invalidConfig — ошибка конфигурации, повтор не поможет.
func invalidConfig(action, format string, args ...any) error {
	return domain.Permanent(fmt.Errorf("%w: %s: %s", ErrInvalidConfig, action, fmt.Sprintf(format, args...)))
}

// GetConfigString извлекает строковое значение из конфига.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из конфига.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigBool извлекает булево значение из конфига.
func GetConfigBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetConfigMapString извлекает map[string]string из конфига.
func GetConfigMapString(config map[string]any, key string) map[string]string {
	if v, ok := config[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string, len(m))
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}
