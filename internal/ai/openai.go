package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"bizsim/internal/model"
)

// openAIProvider calls an OpenAI-compatible chat completions endpoint.
type openAIProvider struct {
	client *openai.Client
	cfg    model.AIConfig
}

func newOpenAIProvider(cfg *model.AIConfig, hc *http.Client) (Provider, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	clientCfg.HTTPClient = hc
	return &openAIProvider{client: openai.NewClientWithConfig(clientCfg), cfg: *cfg}, nil
}

func (p *openAIProvider) Name() string { return model.ProviderOpenAI }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		MaxTokens: p.cfg.MaxTokens,
	}
	if p.cfg.Temperature != nil {
		chatReq.Temperature = float32(*p.cfg.Temperature)
	}
	if p.cfg.ResponseFormat == "json_object" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	duration := time.Since(start)
	if err != nil {
		return nil, classify(p.Name(), openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: errors.New("empty completion")}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to encode completion: %w", err)}
	}
	return &Response{Provider: p.Name(), Model: p.cfg.Model, Raw: raw, Duration: duration}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
