package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"bizsim/internal/model"
)

const maxResponseBytes = 4 << 20

// httpProvider posts a templated body to an arbitrary endpoint.
type httpProvider struct {
	hc   *http.Client
	cfg  model.AIConfig
	body *template.Template
}

// templateData is what a body template can reference.
type templateData struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    int
	SessionID    string
	Round        int
	Context      any
}

var templateFuncs = template.FuncMap{
	// json renders v as a JSON literal, so strings arrive quoted and escaped.
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func newHTTPProvider(cfg *model.AIConfig, hc *http.Client) (Provider, error) {
	tmpl, err := template.New("body").Funcs(templateFuncs).Option("missingkey=error").Parse(cfg.BodyTemplate)
	if err != nil {
		return nil, &ProviderError{Provider: model.ProviderHTTP, Err: fmt.Errorf("invalid body template: %w", err)}
	}
	return &httpProvider{hc: hc, cfg: *cfg, body: tmpl}, nil
}

func (p *httpProvider) Name() string { return model.ProviderHTTP }

func (p *httpProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	var body bytes.Buffer
	err := p.body.Execute(&body, templateData{
		Model:        p.cfg.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		SessionID:    req.SessionID,
		Round:        req.Round,
		Context:      req.Data,
	})
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to render body: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, &body)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, classify(p.Name(), 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration := time.Since(start)
	if err != nil {
		return nil, classify(p.Name(), 0, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return nil, classify(p.Name(), resp.StatusCode, fmt.Errorf("unexpected status %s: %s", resp.Status, truncate(raw, 256)))
	}
	return &Response{Provider: p.Name(), Model: p.cfg.Model, Raw: raw, Duration: duration}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
