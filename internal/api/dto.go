package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
)

// Event DTOs

// SendEventRequest — тело POST /api/v1/events.
type SendEventRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
	ID   string         `json:"id,omitempty"`
	TS   int64          `json:"ts,omitempty"`
}

// Event переводит запрос в доменное событие.
func (r SendEventRequest) Event() domain.Event {
	return domain.Event{ID: r.ID, Name: r.Name, Data: r.Data, Timestamp: r.TS}
}

// SendEventResponse — ответ 202.
type SendEventResponse struct {
	EventID string      `json:"event_id"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}

// Run DTOs

// RunResponse — run без трассы шагов.
type RunResponse struct {
	ID             uuid.UUID        `json:"id"`
	FunctionID     string           `json:"function_id"`
	Status         domain.RunStatus `json:"status"`
	Cursor         string           `json:"cursor,omitempty"`
	Attempt        int              `json:"attempt"`
	Event          domain.Event     `json:"event"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	DurationMs     int64            `json:"duration_ms,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r *domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		FunctionID:     r.FunctionID,
		Status:         r.Status,
		Cursor:         r.Cursor,
		Attempt:        r.Attempt,
		Event:          r.Event,
		Error:          r.Error,
		ErrorKind:      r.ErrorKind,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
		DurationMs:     r.Duration().Milliseconds(),
	}
}

// StepResponse — мемоизированный шаг.
type StepResponse struct {
	StepID      string            `json:"step_id"`
	Position    int               `json:"position"`
	Kind        string            `json:"kind"`
	Status      domain.StepStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Attempt     int               `json:"attempt"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   domain.ErrorKind  `json:"error_kind,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// StepFromDomain конвертирует domain.StepRecord в StepResponse.
func StepFromDomain(s *domain.StepRecord) StepResponse {
	return StepResponse{
		StepID:      s.StepID,
		Position:    s.Position,
		Kind:        s.Kind,
		Status:      s.Status,
		Result:      s.Result,
		Attempt:     s.Attempt,
		Error:       s.Error,
		ErrorKind:   s.ErrorKind,
		CompletedAt: s.CompletedAt,
	}
}

// TimerResponse — активный таймер run.
type TimerResponse struct {
	StepID string    `json:"step_id"`
	Reason string    `json:"reason"`
	WakeAt time.Time `json:"wake_at"`
}

// RunDetailResponse — ответ GET /api/v1/runs/{id}.
type RunDetailResponse struct {
	Run   RunResponse    `json:"run"`
	Steps []StepResponse `json:"steps"`
	Timer *TimerResponse `json:"timer,omitempty"`
}

// RunPageResponse — страница runs функции.
type RunPageResponse struct {
	Runs     []RunResponse `json:"runs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// Function DTOs

// StepSummary — шаг в описании функции.
type StepSummary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
}

// FunctionResponse — функция из реестра.
type FunctionResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Trigger     domain.Trigger `json:"trigger"`
	Steps       []StepSummary  `json:"steps"`
	Concurrency int            `json:"concurrency,omitempty"`
}

// FunctionFromDomain конвертирует domain.FunctionDefinition в FunctionResponse.
func FunctionFromDomain(f *domain.FunctionDefinition) FunctionResponse {
	steps := make([]StepSummary, len(f.Steps))
	for i, s := range f.Steps {
		steps[i] = StepSummary{ID: s.ID, Name: s.Name, Kind: s.Kind}
	}
	return FunctionResponse{
		ID:          f.ID,
		Name:        f.Name,
		Trigger:     f.Trigger,
		Steps:       steps,
		Concurrency: f.Concurrency,
	}
}

// FunctionListResponse — ответ GET /api/v1/functions.
type FunctionListResponse struct {
	Functions []FunctionResponse `json:"functions"`
}
