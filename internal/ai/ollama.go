package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"bizsim/internal/model"
)

const defaultOllamaURL = "http://localhost:11434"

// ollamaProvider calls the native chat endpoint of an Ollama server.
type ollamaProvider struct {
	client *api.Client
	cfg    model.AIConfig
}

func newOllamaProvider(cfg *model.AIConfig, hc *http.Client) (Provider, error) {
	base := cfg.Endpoint
	if base == "" {
		base = defaultOllamaURL
	}
	// api.NewClient expects the server root, not the OpenAI-compatible /v1 prefix.
	base = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", base, err)
	}
	return &ollamaProvider{client: api.NewClient(u, hc), cfg: *cfg}, nil
}

func (p *ollamaProvider) Name() string { return model.ProviderOllama }

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	stream := false
	options := map[string]any{}
	if p.cfg.Temperature != nil {
		options["temperature"] = *p.cfg.Temperature
	}
	if p.cfg.MaxTokens > 0 {
		options["num_predict"] = p.cfg.MaxTokens
	}
	chatReq := &api.ChatRequest{
		Model: p.cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Stream:  &stream,
		Options: options,
	}
	if p.cfg.ResponseFormat == "json_object" {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	start := time.Now()
	var resp api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)
	if err != nil {
		return nil, classify(p.Name(), ollamaStatus(err), err)
	}
	if resp.Message.Content == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: errors.New("empty chat response")}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to encode chat response: %w", err)}
	}
	return &Response{Provider: p.Name(), Model: p.cfg.Model, Raw: raw, Duration: duration}, nil
}

func ollamaStatus(err error) int {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
