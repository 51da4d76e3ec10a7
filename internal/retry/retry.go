// Package retry решает, повторять ли упавший шаг и через сколько.
//
// ShouldRetry — чистая функция от (номер попытки, политика, вид ошибки):
// она не читает часы и не хранит состояние, поэтому одинаково отвечает
// на любом воркере и при повторном входе в run.
package retry

import (
	"slices"
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
)

// Значения по умолчанию для незаданных полей политики.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = time.Minute
)

// DefaultPolicy — политика для шагов без собственной.
// Ошибки некорректного запроса к провайдеру не повторяются.
var DefaultPolicy = domain.RetryPolicy{
	MaxAttempts:    DefaultMaxAttempts,
	Backoff:        "exponential",
	InitialDelayMs: int(DefaultInitialDelay / time.Millisecond),
	MaxDelayMs:     int(DefaultMaxDelay / time.Millisecond),
	NonRetryable:   []domain.ErrorKind{domain.ErrorKindProviderInvalidRequest},
}

// Decision — ответ координатора.
type Decision struct {
	// Retry — true, если шаг нужно повторить.
	Retry bool

	// After — задержка перед следующей попыткой (только при Retry).
	After time.Duration
}

// Exhausted возвращает true, если попытки исчерпаны.
func (d Decision) Exhausted() bool {
	return !d.Retry
}

// ShouldRetry решает судьбу шага после неудачной попытки attempt (начиная с 1).
//
//   - фатальные виды (permanent, orchestrator_fault, cancelled) и виды из
//     policy.NonRetryable исчерпываются сразу;
//   - attempt >= MaxAttempts — исчерпано;
//   - иначе повтор через Backoff(attempt).
//
// nil-политика означает DefaultPolicy.
func ShouldRetry(attempt int, policy *domain.RetryPolicy, kind domain.ErrorKind) Decision {
	p := Resolve(policy, DefaultPolicy)

	if kind.IsFatal() || slices.Contains(p.NonRetryable, kind) {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, After: Backoff(attempt, &p)}
}

// Resolve заполняет незаданные поля policy значениями из defaults.
func Resolve(policy *domain.RetryPolicy, defaults domain.RetryPolicy) domain.RetryPolicy {
	if policy == nil {
		return defaults
	}

	p := *policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = defaults.Backoff
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = defaults.InitialDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = defaults.MaxDelayMs
	}
	if p.NonRetryable == nil {
		p.NonRetryable = defaults.NonRetryable
	}
	return p
}

// Backoff вычисляет задержку после попытки attempt.
//
// exponential: initial * 2^(attempt-1), не больше MaxDelay.
// fixed (и неизвестное значение): initial.
func Backoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return DefaultInitialDelay
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := initialDelay
	if policy.Backoff == "exponential" {
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
	}

	return min(delay, maxDelay)
}
