package steps

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — реестр действий по имени. Потокобезопасен.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// DefaultRegistry создаёт реестр со встроенными действиями http и transform.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHTTPAction())
	r.Register(NewTransformAction())
	return r
}

// Register регистрирует действие. Действие с тем же именем перезаписывается.
func (r *Registry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Name()] = action
}

// RegisterFunc регистрирует функцию Go как действие.
func (r *Registry) RegisterFunc(name string, fn Func) {
	r.Register(NewFunc(name, fn))
}

// Get возвращает действие по имени.
// Возвращает ErrActionNotFound, если действие не найдено.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, exists := r.actions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	return action, nil
}

// Has проверяет, зарегистрировано ли действие.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.actions[name]
	return exists
}

// Names возвращает отсортированный список имён.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count возвращает количество зарегистрированных действий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
