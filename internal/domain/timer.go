package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Причины постановки таймера.
const (
	TimerReasonSleep = "sleep"
	TimerReasonRetry = "retry"
)

// TimerEntry — отложенное пробуждение run. Не больше одного активного на run;
// потребляется (удаляется) ровно один раз.
type TimerEntry struct {
	RunID    uuid.UUID `json:"run_id"`
	StepID   string    `json:"step_id"`
	Position int       `json:"position"`

	// Reason — "sleep" (шаг sleep) или "retry" (backoff перед повтором).
	Reason string `json:"reason"`

	WakeAt    time.Time `json:"wake_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Due возвращает true, если таймер пора срабатывать.
func (t *TimerEntry) Due(now time.Time) bool {
	return !t.WakeAt.After(now)
}

// SleepRecord — COMPLETED-запись шага sleep после пробуждения.
// Её пишут и таймер, и orchestrator; содержимое совпадает, поэтому
// побеждает любая из конкурирующих записей.
func SleepRecord(t *TimerEntry, now time.Time) *StepRecord {
	result, _ := json.Marshal(map[string]string{"wake_at": t.WakeAt.UTC().Format(time.RFC3339Nano)})
	return &StepRecord{
		RunID:       t.RunID,
		StepID:      t.StepID,
		Position:    t.Position,
		Kind:        StepKindSleep,
		Status:      StepStatusCompleted,
		Result:      result,
		Attempt:     1,
		CompletedAt: now,
	}
}
