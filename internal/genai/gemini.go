package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shaiso/Stepflow/internal/domain"
)

// GeminiConfig — настройки провайдера gemini.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string // пусто — https://generativelanguage.googleapis.com
	HTTPClient *http.Client
}

// Gemini — провайдер generateContent (REST). Ключ передаётся параметром key.
type Gemini struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewGemini создаёт провайдер.
func NewGemini(cfg GeminiConfig) *Gemini {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{apiKey: cfg.APIKey, baseURL: base, http: httpClient(cfg.HTTPClient)}
}

func (p *Gemini) Name() string { return ProviderGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float32 `json:"temperature,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	ResponseID   string `json:"responseId"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	body.GenerationConfig.Temperature = req.Temperature

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: domain.ErrorKindPermanent, Provider: ProviderGemini, Err: err}
	}

	// Ключ идёт заголовком: URL попадает в текст ошибок транспорта и в логи.
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Kind: domain.ErrorKindPermanent, Provider: ProviderGemini, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(ctx, err), Provider: ProviderGemini, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(ctx, err), Provider: ProviderGemini, Err: err}
	}

	if resp.StatusCode >= 300 {
		var ge geminiError
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Status + ": " + ge.Error.Message
		}
		return nil, statusError(ProviderGemini, resp.StatusCode, fmt.Errorf("%s", msg))
	}

	var out geminiResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, statusError(ProviderGemini, http.StatusBadGateway, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Candidates) == 0 {
		return nil, statusError(ProviderGemini, http.StatusBadGateway, fmt.Errorf("empty candidates"))
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	model := out.ModelVersion
	if model == "" {
		model = req.Model
	}

	return &Result{
		Model:        model,
		ID:           out.ResponseID,
		Text:         text.String(),
		FinishReason: out.Candidates[0].FinishReason,
		Usage: Usage{
			InputTokens:  out.UsageMetadata.PromptTokenCount,
			OutputTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
