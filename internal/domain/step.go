package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepRecord — мемоизированный итог шага, ключ (RunID, StepID).
//
// Запись пишется один раз (write-if-absent). COMPLETED-запись никогда не
// выполняется повторно: при повторном входе orchestrator берёт Result из неё.
type StepRecord struct {
	RunID    uuid.UUID `json:"run_id"`
	StepID   string    `json:"step_id"`
	Position int       `json:"position"`
	Kind     string    `json:"kind"`

	Status StepStatus `json:"status"`

	// Result — непрозрачный JSON результата (для ai — нормализованный genai.Result).
	Result json.RawMessage `json:"result,omitempty"`

	// Attempt — номер попытки, давшей этот итог (начиная с 1).
	Attempt int `json:"attempt"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// IsCompleted возвращает true для успешной записи.
func (s *StepRecord) IsCompleted() bool {
	return s.Status == StepStatusCompleted
}

// Output декодирует Result в произвольное значение для шаблонов и условий.
func (s *StepRecord) Output() any {
	if len(s.Result) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(s.Result, &out); err != nil {
		return string(s.Result)
	}
	return out
}
