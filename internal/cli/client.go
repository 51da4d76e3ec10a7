package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// EventResponse — ответ на отправку события.
type EventResponse struct {
	EventID string   `json:"event_id"`
	RunIDs  []string `json:"run_ids"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID             string         `json:"id"`
	FunctionID     string         `json:"function_id"`
	Status         string         `json:"status"`
	Cursor         string         `json:"cursor,omitempty"`
	Attempt        int            `json:"attempt"`
	Event          map[string]any `json:"event"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      string         `json:"created_at"`
	StartedAt      string         `json:"started_at,omitempty"`
	UpdatedAt      string         `json:"updated_at"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
}

// StepResponse — мемоизированный шаг из API.
type StepResponse struct {
	StepID      string          `json:"step_id"`
	Position    int             `json:"position"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Attempt     int             `json:"attempt"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	CompletedAt string          `json:"completed_at"`
}

// TimerResponse — активный таймер run.
type TimerResponse struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
	WakeAt string `json:"wake_at"`
}

// RunDetail — run с трассой шагов.
type RunDetail struct {
	Run   RunResponse    `json:"run"`
	Steps []StepResponse `json:"steps"`
	Timer *TimerResponse `json:"timer,omitempty"`
}

// RunPage — страница runs функции.
type RunPage struct {
	Runs     []RunResponse `json:"runs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// FunctionResponse — функция из реестра.
type FunctionResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Trigger struct {
		Event    string `json:"event,omitempty"`
		If       string `json:"if,omitempty"`
		Cron     string `json:"cron,omitempty"`
		Timezone string `json:"timezone,omitempty"`
	} `json:"trigger"`
	Steps []struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"steps"`
	Concurrency int `json:"concurrency,omitempty"`
}

// --- Request types ---

// SendEventRequest — событие для отправки.
type SendEventRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
	ID   string         `json:"id,omitempty"`
	TS   int64          `json:"ts,omitempty"`
}

// ListRunsOpts — параметры выборки runs функции.
type ListRunsOpts struct {
	Status   string
	Page     int
	PageSize int
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Stepflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendEvent отправляет событие.
func (c *Client) SendEvent(ctx context.Context, req SendEventRequest) (*EventResponse, error) {
	var res EventResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/events", req, &res)
	return &res, err
}

// GetRun возвращает run с шагами и таймером.
func (c *Client) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	var detail RunDetail
	err := c.call(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &detail)
	return &detail, err
}

// ListRuns возвращает страницу runs функции.
func (c *Client) ListRuns(ctx context.Context, functionID string, opts ListRunsOpts) (*RunPage, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(opts.PageSize))
	}

	path := "/api/v1/functions/" + url.PathEscape(functionID) + "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page RunPage
	err := c.call(ctx, http.MethodGet, path, nil, &page)
	return &page, err
}

// CancelRun принудительно завершает run.
func (c *Client) CancelRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run)
	return &run, err
}

// ListFunctions возвращает функции реестра.
func (c *Client) ListFunctions(ctx context.Context) ([]FunctionResponse, error) {
	var res struct {
		Functions []FunctionResponse `json:"functions"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/functions", nil, &res)
	return res.Functions, err
}

// --- HTTP helpers ---

func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Code == "" {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
