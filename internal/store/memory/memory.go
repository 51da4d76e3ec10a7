// Package memory — хранилище в памяти процесса.
//
// Используется в тестах и в stepflow-dev без внешней БД. Семантика
// условных записей та же, что у SQL-реализаций.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
)

// Store — потокобезопасное хранилище в памяти.
type Store struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]domain.Run
	byKey  map[string]uuid.UUID
	steps  map[uuid.UUID]map[string]domain.StepRecord
	timers map[uuid.UUID]domain.TimerEntry
}

var _ store.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		runs:   make(map[uuid.UUID]domain.Run),
		byKey:  make(map[string]uuid.UUID),
		steps:  make(map[uuid.UUID]map[string]domain.StepRecord),
		timers: make(map[uuid.UUID]domain.TimerEntry),
	}
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, run *domain.Run) (*domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[run.IdempotencyKey]; ok && run.IdempotencyKey != "" {
		existing := s.runs[id]
		return &existing, false, nil
	}

	s.runs[run.ID] = *run
	if run.IdempotencyKey != "" {
		s.byKey[run.IdempotencyKey] = run.ID
	}
	stored := *run
	return &stored, true, nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

func (s *Store) UpdateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != run.Version {
		return store.ErrConflict
	}

	run.Version++
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]domain.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.Run
	for _, run := range s.runs {
		if filter.FunctionID != "" && run.FunctionID != filter.FunctionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (s *Store) ListStalled(_ context.Context, before time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Run
	for _, run := range s.runs {
		if !run.UpdatedAt.Before(before) {
			continue
		}
		switch run.Status {
		case domain.RunStatusPending, domain.RunStatusRunning:
		case domain.RunStatusSleeping:
			if _, ok := s.timers[run.ID]; ok {
				continue
			}
		default:
			continue
		}
		out = append(out, run)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Steps ---

func (s *Store) SaveStep(_ context.Context, rec *domain.StepRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep, ok := s.steps[rec.RunID]
	if !ok {
		byStep = make(map[string]domain.StepRecord)
		s.steps[rec.RunID] = byStep
	}
	if _, exists := byStep[rec.StepID]; exists {
		return false, nil
	}
	byStep[rec.StepID] = *rec
	return true, nil
}

func (s *Store) GetStep(_ context.Context, runID uuid.UUID, stepID string) (*domain.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[runID][stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) ListSteps(_ context.Context, runID uuid.UUID) ([]domain.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.StepRecord, 0, len(s.steps[runID]))
	for _, rec := range s.steps[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// --- Timers ---

func (s *Store) ScheduleTimer(_ context.Context, timer *domain.TimerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[timer.RunID] = *timer
	return nil
}

func (s *Store) GetTimer(_ context.Context, runID uuid.UUID) (*domain.TimerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &timer, nil
}

func (s *Store) DeleteTimer(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, runID)
	return nil
}

func (s *Store) ClaimDueTimers(_ context.Context, now time.Time, limit int) ([]domain.TimerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.TimerEntry
	for _, timer := range s.timers {
		if timer.Due(now) {
			due = append(due, timer)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].WakeAt.Before(due[j].WakeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, timer := range due {
		delete(s.timers, timer.RunID)
	}
	return due, nil
}
