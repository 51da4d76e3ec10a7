package domain

import "errors"

// ErrorKind — классификация ошибки шага, по ней решается вопрос retry.
type ErrorKind string

const (
	// ErrorKindTransient — временный сбой; повторяется по политике.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent — повтор бессмыслен; run сразу FAILED.
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindOrchestratorFault — конфликт записи, испорченный курсор и т.п.
	ErrorKindOrchestratorFault ErrorKind = "orchestrator_fault"

	// ErrorKindCancelled — run отменён снаружи.
	ErrorKindCancelled ErrorKind = "cancelled"

	ErrorKindProviderUnavailable    ErrorKind = "provider_unavailable"
	ErrorKindProviderRejected       ErrorKind = "provider_rejected"
	ErrorKindProviderInvalidRequest ErrorKind = "provider_invalid_request"
	ErrorKindProviderTimeout        ErrorKind = "provider_timeout"
)

// IsFatal возвращает true для видов, которые не повторяются ни при какой политике.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case ErrorKindPermanent, ErrorKindOrchestratorFault, ErrorKindCancelled:
		return true
	default:
		return false
	}
}

// StepError — ошибка шага с классификацией.
type StepError struct {
	Kind ErrorKind
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Transient помечает ошибку как временную.
func Transient(err error) error {
	return &StepError{Kind: ErrorKindTransient, Err: err}
}

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	return &StepError{Kind: ErrorKindPermanent, Err: err}
}

// KindOf извлекает классификацию. Неклассифицированные ошибки считаются временными.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindTransient
}

