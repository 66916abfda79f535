// Package ai talks to the external model providers that resolve a round, and
// normalizes their heterogeneous responses into a model.RoundResult.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bizsim/internal/model"
)

// ErrUnsupportedProvider is returned when no client is registered for a provider name.
var ErrUnsupportedProvider = errors.New("unsupported AI provider")

// Request is one completion call.
type Request struct {
	SessionID    string
	Round        int
	SystemPrompt string
	UserPrompt   string
	Config       model.AIConfig
	// Data is the structured context, exposed to body templates.
	Data any
}

// Response is the raw provider answer. Raw is what the adapters parse.
type Response struct {
	Provider string
	Model    string
	Raw      []byte
	Duration time.Duration
}

// Provider performs a single request/response call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Resolver returns the provider for a session's configuration.
type Resolver interface {
	Resolve(cfg *model.AIConfig) (Provider, error)
	Supports(name string) bool
}

// ProviderError classifies a failed provider call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Errors that are not a
// ProviderError are treated as permanent.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// TransientStatus reports whether an HTTP status signals a retryable failure.
func TransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// classify wraps err as a ProviderError. A status of zero means the transport
// failed before a response arrived.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	transient := false
	switch {
	case status != 0:
		transient = TransientStatus(status)
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	case errors.Is(err, context.Canceled):
		transient = false
	default:
		var netErr net.Error
		transient = errors.As(err, &netErr)
	}
	return &ProviderError{Provider: provider, StatusCode: status, Transient: transient, Err: err}
}

// Clients resolves the built-in providers. Each call builds a client bound to the
// session's configuration; the underlying HTTP client is shared.
type Clients struct {
	httpClient *http.Client
	factories  map[string]func(cfg *model.AIConfig, hc *http.Client) (Provider, error)
}

// NewClients creates a resolver for the openai, ollama and http providers.
func NewClients(httpClient *http.Client) *Clients {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Clients{
		httpClient: httpClient,
		factories: map[string]func(*model.AIConfig, *http.Client) (Provider, error){
			model.ProviderOpenAI: newOpenAIProvider,
			model.ProviderOllama: newOllamaProvider,
			model.ProviderHTTP:   newHTTPProvider,
		},
	}
}

// Supports reports whether a provider name can be resolved.
func (c *Clients) Supports(name string) bool {
	_, ok := c.factories[name]
	return ok
}

// Resolve validates cfg and builds its provider.
func (c *Clients) Resolve(cfg *model.AIConfig) (Provider, error) {
	if err := cfg.Usable(); err != nil {
		return nil, err
	}
	factory, ok := c.factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
	return factory(cfg, c.httpClient)
}
