// Package genai — адаптер генеративных провайдеров.
//
// Набор провайдеров закрыт: openai, anthropic, gemini. Каждый приводит ответ
// к Result (текст, usage, трасса сообщений) и ошибки к видам
// domain.ErrorKind; провайдер-специфичные типы наружу не выходят.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// Имена провайдеров.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// DefaultMaxTokens используется, если шаг не задал max_tokens
// (Anthropic требует его явно).
const DefaultMaxTokens = 1024

// defaultHTTPTimeout — таймаут HTTP-клиента провайдера, если свой не передан.
const defaultHTTPTimeout = 2 * time.Minute

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// Request — нормализованный запрос генерации.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float32
}

// Result — нормализованный ответ. Сохраняется как результат ai-шага.
type Result struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	ID           string    `json:"id,omitempty"`
	Text         string    `json:"text"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	Trace        []Message `json:"trace"`
}

// Usage — расход токенов.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Message — элемент трассы: system, user или assistant.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider — один генеративный провайдер.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Adapter выбирает провайдера по Request.Provider.
type Adapter struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// New создаёт Adapter из набора провайдеров.
func New(logger *slog.Logger, providers ...Provider) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		providers: make(map[string]Provider, len(providers)),
		logger:    logger,
	}
	for _, p := range providers {
		a.providers[p.Name()] = p
	}
	return a
}

// Providers возвращает имена подключённых провайдеров.
func (a *Adapter) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate выполняет запрос. Ошибка всегда *Error с нормализованным видом.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Result, error) {
	p, ok := a.providers[req.Provider]
	if !ok {
		return nil, &Error{
			Kind:     domain.ErrorKindPermanent,
			Provider: req.Provider,
			Err:      fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider),
		}
	}

	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	start := time.Now()
	res, err := p.Generate(ctx, req)
	if err != nil {
		genErr := normalize(ctx, req.Provider, err)
		telemetry.ProviderRequests.WithLabelValues(req.Provider, string(genErr.Kind)).Inc()
		a.logger.Warn("generation failed",
			"provider", req.Provider,
			"model", req.Model,
			"kind", genErr.Kind,
			"status", genErr.Status,
			"error", genErr.Err,
		)
		return nil, genErr
	}

	telemetry.ProviderRequests.WithLabelValues(req.Provider, "ok").Inc()
	a.logger.Debug("generation completed",
		"provider", req.Provider,
		"model", res.Model,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"duration", time.Since(start),
	)

	res.Provider = req.Provider
	res.Trace = trace(req, res.Text)
	return res, nil
}

// normalize приводит любую ошибку провайдера к *Error.
func normalize(ctx context.Context, provider string, err error) *Error {
	var genErr *Error
	if errors.As(err, &genErr) {
		if genErr.Provider == "" {
			genErr.Provider = provider
		}
		return genErr
	}
	return &Error{Kind: classifyTransport(ctx, err), Provider: provider, Err: err}
}

func trace(req Request, text string) []Message {
	msgs := make([]Message, 0, 3)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs,
		Message{Role: "user", Content: req.Prompt},
		Message{Role: "assistant", Content: text},
	)
	return msgs
}
