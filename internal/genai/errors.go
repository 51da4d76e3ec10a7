package genai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shaiso/Stepflow/internal/domain"
)

// ErrUnknownProvider — провайдер не подключён.
var ErrUnknownProvider = errors.New("unknown provider")

// Error — нормализованная ошибка провайдера.
type Error struct {
	Kind     domain.ErrorKind
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StepError возвращает ошибку в виде, понятном orchestrator'у.
func (e *Error) StepError() error {
	return &domain.StepError{Kind: e.Kind, Err: e}
}

// classifyStatus переводит HTTP-статус ответа провайдера в вид ошибки.
func classifyStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.ErrorKindProviderTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.ErrorKindProviderUnavailable
	case status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity:
		return domain.ErrorKindProviderInvalidRequest
	default:
		return domain.ErrorKindProviderRejected
	}
}

// classifyTransport классифицирует ошибки без HTTP-ответа.
func classifyTransport(ctx context.Context, err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrorKindProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindProviderTimeout
	}
	return domain.ErrorKindProviderUnavailable
}

func statusError(provider string, status int, err error) *Error {
	return &Error{Kind: classifyStatus(status), Provider: provider, Status: status, Err: err}
}
