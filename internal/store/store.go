// Package store описывает хранилище состояния run.
//
// Три таблицы: runs (курсор и статус), steps (мемоизированные StepRecord)
// и timers (отложенные пробуждения). Реализации:
//   - internal/repo          — PostgreSQL (pgx)
//   - internal/store/sqlite  — SQLite для локального режима
//   - internal/store/memory  — в памяти, для тестов и stepflow-dev
//
// Все реализации обязаны обеспечивать условные записи: StepRecord пишется
// только если его ещё нет, Run обновляется только при совпадении Version.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
)

// RunStore — таблица runs.
type RunStore interface {
	// CreateRun сохраняет новый run. Если run с тем же IdempotencyKey уже есть,
	// возвращает существующий и created=false.
	CreateRun(ctx context.Context, run *domain.Run) (stored *domain.Run, created bool, err error)

	// GetRun возвращает run по ID или ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// UpdateRun записывает run, если версия в хранилище равна run.Version.
	// При успехе run.Version увеличивается; иначе ErrConflict (или ErrNotFound).
	UpdateRun(ctx context.Context, run *domain.Run) error

	// ListRuns возвращает страницу runs (новые первыми) и общее число.
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, int, error)

	// ListStalled возвращает незавершённые runs, не обновлявшиеся с before:
	// PENDING/RUNNING, а также SLEEPING без активного таймера.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]domain.Run, error)
}

// StepStore — таблица мемоизированных шагов.
type StepStore interface {
	// SaveStep пишет запись, если записи с тем же (RunID, StepID) нет.
	// saved=false означает, что запись уже существовала и осталась прежней.
	SaveStep(ctx context.Context, rec *domain.StepRecord) (saved bool, err error)

	// GetStep возвращает запись или ErrNotFound.
	GetStep(ctx context.Context, runID uuid.UUID, stepID string) (*domain.StepRecord, error)

	// ListSteps возвращает записи run в порядке плана.
	ListSteps(ctx context.Context, runID uuid.UUID) ([]domain.StepRecord, error)
}

// TimerStore — таблица таймеров. Не больше одного таймера на run.
type TimerStore interface {
	// ScheduleTimer ставит (или заменяет) таймер run.
	ScheduleTimer(ctx context.Context, timer *domain.TimerEntry) error

	// GetTimer возвращает активный таймер run или ErrNotFound.
	GetTimer(ctx context.Context, runID uuid.UUID) (*domain.TimerEntry, error)

	// DeleteTimer удаляет таймер run (нет таймера — не ошибка).
	DeleteTimer(ctx context.Context, runID uuid.UUID) error

	// ClaimDueTimers атомарно забирает (удаляет и возвращает) до limit таймеров
	// с WakeAt <= now. Каждый таймер достаётся ровно одному вызывающему.
	ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]domain.TimerEntry, error)
}

// Store объединяет все таблицы.
type Store interface {
	RunStore
	StepStore
	TimerStore
}

// RunFilter — параметры выборки runs.
type RunFilter struct {
	FunctionID string
	Status     domain.RunStatus
	Limit      int
	Offset     int
}
