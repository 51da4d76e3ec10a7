package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING ⇄ SLEEPING
//	            ↘ COMPLETED
//	            ↘ FAILED (в том числе принудительная отмена)
type RunStatus string

const (
	// RunStatusPending — run создан событием, ещё не продвигался.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run продвигается воркером.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSleeping — run ждёт TimerEntry (sleep или backoff перед retry).
	RunStatusSleeping RunStatus = "SLEEPING"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCompleted — все шаги плана завершены.
	RunStatusCompleted RunStatus = "COMPLETED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ParseRunStatus парсит строку в RunStatus. Неизвестное значение — PENDING.
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "RUNNING":
		return RunStatusRunning
	case "SLEEPING":
		return RunStatusSleeping
	case "FAILED":
		return RunStatusFailed
	case "COMPLETED":
		return RunStatusCompleted
	default:
		return RunStatusPending
	}
}

// StepStatus — статус записи шага. Записи создаются только для финальных исходов.
type StepStatus string

const (
	// StepStatusCompleted — шаг выполнен, результат мемоизирован.
	StepStatusCompleted StepStatus = "COMPLETED"

	// StepStatusFailed — шаг исчерпал попытки.
	StepStatusFailed StepStatus = "FAILED"
)
