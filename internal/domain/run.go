package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения функции, созданный одним событием.
//
// Прогресс хранится явно: Cursor указывает на следующий шаг плана,
// Attempt — сколько попыток этого шага уже сделано. Version используется
// для compare-and-set при каждом обновлении.
type Run struct {
	// ID — уникальный идентификатор run, назначается при постановке в очередь.
	ID uuid.UUID `json:"id"`

	// FunctionID — ссылка на FunctionDefinition.
	FunctionID string `json:"function_id"`

	// Event — событие, породившее run.
	Event Event `json:"event"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Cursor — ID следующего шага. Пустой — план исчерпан или не начат.
	Cursor string `json:"cursor,omitempty"`

	// Attempt — число уже сделанных попыток шага под курсором.
	Attempt int `json:"attempt"`

	// Version — токен оптимистичной блокировки, растёт с каждым обновлением.
	Version int `json:"version"`

	// Error — текст последней ошибки для FAILED.
	Error string `json:"error,omitempty"`

	// ErrorKind — классификация ошибки, из-за которой run упал.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// IdempotencyKey — "{function_id}:{event_id}", уникален в хранилище.
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun создаёт PENDING run функции fn для события evt.
func NewRun(fn *FunctionDefinition, evt Event, now time.Time) *Run {
	run := &Run{
		ID:             uuid.New(),
		FunctionID:     fn.ID,
		Event:          evt,
		Status:         RunStatusPending,
		IdempotencyKey: IdempotencyKey(fn.ID, evt.ID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(fn.Steps) > 0 {
		run.Cursor = fn.Steps[0].ID
	}
	return run
}

// IdempotencyKey строит ключ, по которому хранилище отсекает повторные runs.
func IdempotencyKey(functionID, eventID string) string {
	return functionID + ":" + eventID
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning(now time.Time) {
	r.Status = RunStatusRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
}

// MarkSleeping переводит run в SLEEPING до срабатывания таймера.
func (r *Run) MarkSleeping() {
	r.Status = RunStatusSleeping
}

// Advance сдвигает курсор на next и сбрасывает счётчик попыток.
func (r *Run) Advance(next string) {
	r.Cursor = next
	r.Attempt = 0
}

// MarkCompleted переводит run в статус COMPLETED.
func (r *Run) MarkCompleted(now time.Time) {
	r.Status = RunStatusCompleted
	r.Cursor = ""
	r.CompletedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(now time.Time, kind ErrorKind, msg string) {
	r.Status = RunStatusFailed
	r.CompletedAt = &now
	r.ErrorKind = kind
	r.Error = msg
}
