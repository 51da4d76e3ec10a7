// Package registry хранит неизменяемую таблицу функций.
//
// Реестр строится один раз при старте процесса из файла определений
// (YAML) и дальше только читается: Event Bus подбирает по нему функции
// для события, orchestrator — план шагов для run.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
)

var (
	// ErrDuplicateFunction — несколько функций с одинаковым ID.
	ErrDuplicateFunction = errors.New("duplicate function ID")

	// ErrUnknownAction — run-шаг ссылается на незарегистрированное действие.
	ErrUnknownAction = errors.New("unknown action")
)

// ActionSet — набор известных действий для run-шагов.
type ActionSet interface {
	Has(name string) bool
}

// File — формат файла определений.
type File struct {
	Functions []domain.FunctionDefinition `yaml:"functions"`
}

// Registry — неизменяемая таблица функций.
type Registry struct {
	ordered []*domain.FunctionDefinition
	byID    map[string]*domain.FunctionDefinition
	byEvent map[string][]*domain.FunctionDefinition
}

// New валидирует определения и строит реестр.
// actions может быть nil — тогда имена действий не проверяются.
func New(defs []domain.FunctionDefinition, actions ActionSet) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*domain.FunctionDefinition, len(defs)),
		byEvent: make(map[string][]*domain.FunctionDefinition),
	}

	for i := range defs {
		fn := defs[i]
		if err := engine.Validate(&fn); err != nil {
			return nil, err
		}
		if _, ok := r.byID[fn.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.ID)
		}
		if actions != nil {
			for _, step := range fn.Steps {
				if step.Kind == domain.StepKindRun && !actions.Has(step.Action) {
					return nil, fmt.Errorf("function %s: step %s: %w: %s", fn.ID, step.ID, ErrUnknownAction, step.Action)
				}
			}
		}

		r.ordered = append(r.ordered, &fn)
		r.byID[fn.ID] = &fn
		if fn.Trigger.Event != "" {
			r.byEvent[fn.Trigger.Event] = append(r.byEvent[fn.Trigger.Event], &fn)
		}
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

// Load читает YAML-файл определений и строит реестр.
func Load(path string, actions ActionSet) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read functions file: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(defs, actions)
}

// Parse разбирает YAML-документ с ключом functions. Неизвестные поля — ошибка.
func Parse(data []byte) ([]domain.FunctionDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f.Functions, nil
}

// Function возвращает определение по ID. Возвращаемое значение не изменять.
func (r *Registry) Function(id string) (*domain.FunctionDefinition, bool) {
	fn, ok := r.byID[id]
	return fn, ok
}

// ForEvent возвращает функции, подписанные на событие (точное совпадение имени).
func (r *Registry) ForEvent(name string) []*domain.FunctionDefinition {
	return r.byEvent[name]
}

// Scheduled возвращает функции с cron-триггером.
func (r *Registry) Scheduled() []*domain.FunctionDefinition {
	var out []*domain.FunctionDefinition
	for _, fn := range r.ordered {
		if fn.IsCron() {
			out = append(out, fn)
		}
	}
	return out
}

// All возвращает все функции, отсортированные по ID.
func (r *Registry) All() []*domain.FunctionDefinition {
	return r.ordered
}

// Len возвращает число функций.
func (r *Registry) Len() int {
	return len(r.ordered)
}
