package domain

import (
	"fmt"
	"time"
)

// Виды шагов.
const (
	// StepKindRun — произвольное действие из реестра actions (может иметь побочные эффекты).
	StepKindRun = "run"

	// StepKindSleep — durable-задержка; воркер не удерживается на время ожидания.
	StepKindSleep = "sleep"

	// StepKindAI — вызов генеративного провайдера через genai.Adapter.
	StepKindAI = "ai"
)

// FunctionDefinition — описание функции: триггер и упорядоченный план шагов.
//
// Определения регистрируются один раз при старте процесса (registry.Registry)
// и после этого не изменяются. Каждый Run исполняет ровно одно определение.
type FunctionDefinition struct {
	// ID — уникальный идентификатор функции (например, "hello-world").
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name"`

	// Trigger — что запускает функцию: событие или cron.
	Trigger Trigger `json:"trigger" yaml:"trigger"`

	// Steps — упорядоченный план. Порядок и ID шагов стабильны между деплоями,
	// иначе мемоизация перестаёт совпадать с планом.
	Steps []StepSpec `json:"steps" yaml:"steps"`

	// Retry — политика по умолчанию для всех шагов функции.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry"`

	// Concurrency — максимум одновременно продвигаемых runs функции в одном процессе.
	// 0 — без ограничения.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency"`
}

// Trigger — условие запуска функции.
type Trigger struct {
	// Event — точное имя события (например, "test/hello.world").
	Event string `json:"event,omitempty" yaml:"event"`

	// If — необязательный CEL-фильтр над событием: `event.data.plan == "pro"`.
	If string `json:"if,omitempty" yaml:"if"`

	// Cron — cron-выражение для функций по расписанию.
	Cron string `json:"cron,omitempty" yaml:"cron"`

	// Timezone — часовой пояс для Cron (по умолчанию UTC).
	Timezone string `json:"timezone,omitempty" yaml:"timezone"`
}

// StepSpec — описание одного шага плана.
type StepSpec struct {
	// ID — стабильный идентификатор шага, ключ мемоизации.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name"`

	// Kind — "run", "sleep" или "ai".
	Kind string `json:"kind" yaml:"kind"`

	// If — CEL-условие над event и результатами предыдущих шагов.
	// Ложное условие записывает шаг как пропущенный.
	If string `json:"if,omitempty" yaml:"if"`

	// Action — имя действия для kind=run.
	Action string `json:"action,omitempty" yaml:"action"`

	// Config — конфигурация действия; строки рендерятся как Go template.
	Config map[string]any `json:"config,omitempty" yaml:"config"`

	// Duration — длительность для kind=sleep ("5s", "1h30m").
	Duration string `json:"duration,omitempty" yaml:"duration"`

	// Until — абсолютный момент пробуждения (RFC3339, может быть шаблоном).
	Until string `json:"until,omitempty" yaml:"until"`

	// AI — запрос к провайдеру для kind=ai.
	AI *AIRequest `json:"ai,omitempty" yaml:"ai"`

	// Retry — переопределяет FunctionDefinition.Retry.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry"`

	// TimeoutSec — таймаут одной попытки.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
}

// AIRequest — шаблон запроса генерации.
type AIRequest struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	System      string   `json:"system,omitempty" yaml:"system"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature"`
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms"`

	// NonRetryable — виды ошибок, которые не повторяются при этой политике.
	NonRetryable []ErrorKind `json:"non_retryable,omitempty" yaml:"non_retryable"`
}

// IsCron возвращает true для функций, запускаемых по расписанию.
func (f *FunctionDefinition) IsCron() bool {
	return f.Trigger.Cron != ""
}

// StepIndex возвращает позицию шага в плане или -1.
func (f *FunctionDefinition) StepIndex(stepID string) int {
	for i := range f.Steps {
		if f.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// RetryFor возвращает политику для шага: своя, функции или nil.
func (f *FunctionDefinition) RetryFor(step *StepSpec) *RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return f.Retry
}

// DefaultStepTimeout — таймаут попытки, когда timeout_sec не задан.
const DefaultStepTimeout = 5 * time.Minute

// Timeout возвращает таймаут попытки шага. Попытка без верхней границы
// не допускается: на её время продлевается lease run.
func (s *StepSpec) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// SleepDuration разбирает Duration шага sleep.
func (s *StepSpec) SleepDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.Duration)
	if err != nil {
		return 0, fmt.Errorf("step %s: invalid duration %q: %w", s.ID, s.Duration, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("step %s: negative duration %q", s.ID, s.Duration)
	}
	return d, nil
}
