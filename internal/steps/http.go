package steps

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
)

const (
	// ActionHTTP — имя действия HTTP-запроса.
	ActionHTTP = "http"

	// HeaderIdempotencyKey передаётся получателю с каждым запросом.
	HeaderIdempotencyKey = "Idempotency-Key"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
)

// Ключи конфигурации HTTP-действия.
const (
	configMethod          = "method"
	configURL             = "url"
	configHeaders         = "headers"
	configBody            = "body"
	configFollowRedirects = "follow_redirects"
	configValidateSSL     = "validate_ssl"
	configTimeoutSec      = "timeout_sec"
)

// HTTPAction — вызов внешнего HTTP API (webhook).
//
// Конфигурация:
//
//	{
//	    "method": "POST",
//	    "url": "https://api.example.com/workflows",
//	    "headers": {"Authorization": "Bearer {{ .Env.TOKEN }}"},
//	    "body": {"email": "{{ .Event.data.email }}"},
//	    "follow_redirects": true,
//	    "validate_ssl": true,
//	    "timeout_sec": 30
//	}
//
// Output:
//
//	{
//	    "status_code": 200,
//	    "headers": {"Content-Type": "application/json"},
//	    "body": {...}  // JSON или строка
//	}
//
// Ответы 5xx и 429, а также ошибки транспорта временные; остальные 4xx постоянные.
type HTTPAction struct {
	transport http.RoundTripper
}

// NewHTTPAction создаёт HTTPAction.
func NewHTTPAction() *HTTPAction {
	return &HTTPAction{}
}

// WithTransport подменяет транспорт (тесты, прокси).
func (a *HTTPAction) WithTransport(rt http.RoundTripper) *HTTPAction {
	a.transport = rt
	return a
}

// Name возвращает имя действия.
func (a *HTTPAction) Name() string {
	return ActionHTTP
}

// Execute выполняет HTTP-запрос.
func (a *HTTPAction) Execute(ctx context.Context, req *Request) (*Response, error) {
	cfg, err := a.parseConfig(req.Config)
	if err != nil {
		return nil, err
	}

	client := a.buildClient(cfg)

	httpReq, err := a.buildRequest(ctx, cfg, req.IdempotencyKey)
	if err != nil {
		return nil, invalidConfig(ActionHTTP, "build request: %v", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.Transient(fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err()))
		}
		return nil, domain.Transient(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	out, err := a.parseResponse(resp)
	if err != nil {
		return nil, domain.Transient(err)
	}

	if resp.StatusCode >= 400 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncate(fmt.Sprint(out["body"]), 512),
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.Transient(httpErr)
		}
		return nil, domain.Permanent(httpErr)
	}

	return NewResponse(out), nil
}

// httpConfig — распарсенная конфигурация HTTP-действия.
type httpConfig struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            any
	FollowRedirects bool
	ValidateSSL     bool
	TimeoutSec      int
}

func (a *HTTPAction) parseConfig(config map[string]any) (*httpConfig, error) {
	cfg := &httpConfig{
		Method:          GetConfigString(config, configMethod),
		URL:             GetConfigString(config, configURL),
		Headers:         GetConfigMapString(config, configHeaders),
		Body:            config[configBody],
		FollowRedirects: GetConfigBool(config, configFollowRedirects, true),
		ValidateSSL:     GetConfigBool(config, configValidateSSL, true),
		TimeoutSec:      GetConfigInt(config, configTimeoutSec),
	}

	if cfg.URL == "" {
		return nil, invalidConfig(ActionHTTP, "url is required")
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)

	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}

	return cfg, nil
}

// buildClient создаёт клиент под настройки шага. Общий дедлайн шага
// приходит через context.
func (a *HTTPAction) buildClient(cfg *httpConfig) *http.Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	var checkRedirect func(*http.Request, []*http.Request) error
	if !cfg.FollowRedirects {
		checkRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	transport := a.transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.ValidateSSL},
		}
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: checkRedirect,
		Transport:     transport,
	}
}

func (a *HTTPAction) buildRequest(ctx context.Context, cfg *httpConfig, idempotencyKey string) (*http.Request, error) {
	var bodyReader io.Reader

	if cfg.Body != nil {
		bodyBytes, err := serializeBody(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("serialize body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)

		if _, hasContentType := cfg.Headers["Content-Type"]; !hasContentType {
			cfg.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if idempotencyKey != "" && req.Header.Get(HeaderIdempotencyKey) == "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	return req, nil
}

func serializeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (a *HTTPAction) parseResponse(resp *http.Response) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var body any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			body = string(bodyBytes)
		}
	} else {
		body = string(bodyBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HTTPError — ответ с кодом 4xx/5xx.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}
