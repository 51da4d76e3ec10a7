package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig — настройки провайдера openai.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // пусто — https://api.openai.com/v1
	HTTPClient *http.Client
}

// OpenAI — провайдер Chat Completions.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI создаёт провайдер.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	c.HTTPClient = httpClient(cfg.HTTPClient)
	return &OpenAI{client: openai.NewClientWithConfig(c)}
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

func (p *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: classifyStatus(http.StatusBadGateway), Provider: ProviderOpenAI, Err: errors.New("empty choices")}
	}

	choice := resp.Choices[0]
	return &Result{
		Model:        resp.Model,
		ID:           resp.ID,
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAI) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(ProviderOpenAI, apiErr.HTTPStatusCode, fmt.Errorf("%s", apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusError(ProviderOpenAI, reqErr.HTTPStatusCode, err)
	}
	return &Error{Kind: classifyTransport(ctx, err), Provider: ProviderOpenAI, Err: err}
}
