package steps

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// ActionTransform — имя действия трансформации.
	ActionTransform = "transform"

	configMappings = "mappings"
)

// TransformAction возвращает отрендеренную конфигурацию как результат шага.
//
// Шаблоны в config уже подставлены orchestrator'ом, поэтому действие только
// приводит строки к JSON-типам. Если задан ключ mappings, результатом
// становится он, иначе вся конфигурация.
//
//	{
//	    "mappings": {
//	        "total": "{{ len .Steps.fetch.body.items }}",
//	        "ids": "{{ json .Steps.fetch.body.ids }}"
//	    }
//	}
//
// Output: {"total": 10, "ids": [1, 2, 3]}
type TransformAction struct{}

// NewTransformAction создаёт TransformAction.
func NewTransformAction() *TransformAction {
	return &TransformAction{}
}

// Name возвращает имя действия.
func (a *TransformAction) Name() string {
	return ActionTransform
}

// Execute выполняет трансформацию.
func (a *TransformAction) Execute(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	default:
	}

	source := req.Config
	if m, ok := req.Config[configMappings].(map[string]any); ok {
		source = m
	}

	out := make(map[string]any, len(source))
	for key, val := range source {
		if s, ok := val.(string); ok {
			out[key] = parseValue(s)
			continue
		}
		out[key] = val
	}

	return NewResponse(out), nil
}

// parseValue пытается распарсить строку как JSON.
// Если не получается, возвращает строку как есть.
func parseValue(value string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		return obj
	}

	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr
	}

	var num json.Number
	if err := json.Unmarshal([]byte(value), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	switch value {
	case "true":
		return true
	case "false":
		return false
	}

	return value
}
