package genai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/shaiso/Stepflow/internal/domain"
)

// AnthropicConfig — настройки провайдера anthropic.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string // пусто — https://api.anthropic.com/v1
	HTTPClient *http.Client
}

// Anthropic — провайдер Messages API.
type Anthropic struct {
	client *anthropic.Client
}

// NewAnthropic создаёт провайдер.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(httpClient(cfg.HTTPClient))}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(cfg.APIKey, opts...)}
}

func (p *Anthropic) Name() string { return ProviderAnthropic }

func (p *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	mreq := anthropic.MessagesRequest{
		Model:       anthropic.Model(req.Model),
		System:      req.System,
		Messages:    []anthropic.Message{anthropic.NewUserTextMessage(req.Prompt)},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := p.client.CreateMessages(ctx, mreq)
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	var text strings.Builder
	for i := range resp.Content {
		text.WriteString(resp.Content[i].GetText())
	}

	return &Result{
		Model:        string(resp.Model),
		ID:           resp.ID,
		Text:         text.String(),
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// classify: ответ с телом ошибки приходит как *APIError (по type),
// без разборчивого тела — как *RequestError (по HTTP-статусу).
func (p *Anthropic) classify(ctx context.Context, err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: anthropicKind(string(apiErr.Type)), Provider: ProviderAnthropic, Err: err}
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		return statusError(ProviderAnthropic, reqErr.StatusCode, err)
	}
	return &Error{Kind: classifyTransport(ctx, err), Provider: ProviderAnthropic, Err: err}
}

func anthropicKind(errType string) domain.ErrorKind {
	switch errType {
	case "invalid_request_error", "request_too_large":
		return domain.ErrorKindProviderInvalidRequest
	case "rate_limit_error", "api_error", "overloaded_error":
		return domain.ErrorKindProviderUnavailable
	case "timeout_error":
		return domain.ErrorKindProviderTimeout
	default:
		return domain.ErrorKindProviderRejected
	}
}
