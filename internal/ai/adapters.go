package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"bizsim/internal/model"
)

// ErrUnparseable means no adapter could extract even a narrative from a response.
var ErrUnparseable = errors.New("could not parse AI response")

// Adapter names.
const (
	AdapterOpenAIChat        = "openai_chat"
	AdapterOllamaChat        = "ollama_chat"
	AdapterAnthropicMessages = "anthropic_messages"
	AdapterCanonical         = "canonical"
	AdapterFallback          = "fallback"
)

// Adapter converts one provider payload shape into the canonical round result.
type Adapter interface {
	Name() string
	// Match reports whether raw has this adapter's shape.
	Match(raw []byte) bool
	Parse(raw []byte) (*model.RoundResult, error)
}

// Adapters holds adapters in registration order plus the fallback tried last.
type Adapters struct {
	mu       sync.RWMutex
	order    []string
	byName   map[string]Adapter
	fallback Adapter
}

// NewAdapters creates a registry with every built-in adapter.
func NewAdapters() *Adapters {
	r := &Adapters{byName: make(map[string]Adapter), fallback: fallbackAdapter{}}
	for _, a := range []Adapter{openAIChatAdapter{}, anthropicAdapter{}, ollamaChatAdapter{}, canonicalAdapter{}} {
		r.MustRegister(a)
	}
	return r
}

// MustRegister is Register for adapters known at construction time; it panics on error.
func (r *Adapters) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Register adds an adapter; an adapter with the same name is replaced in place.
func (r *Adapters) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("cannot register nil adapter")
	}
	if a.Name() == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.byName[a.Name()] = a
	return nil
}

// Get retrieves an adapter by name.
func (r *Adapters) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Names returns the registered adapter names in try order.
func (r *Adapters) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// HintFor returns the adapter a configuration prefers.
func HintFor(cfg *model.AIConfig) string {
	if cfg == nil {
		return ""
	}
	switch cfg.Provider {
	case model.ProviderOpenAI:
		return AdapterOpenAIChat
	case model.ProviderOllama:
		return AdapterOllamaChat
	}
	return cfg.ResponseFormat
}

// Parse tries the hinted adapter, then every adapter whose shape matches, then the
// fallback. The returned result names the adapter that produced it.
func (r *Adapters) Parse(hint string, raw []byte) (*model.RoundResult, error) {
	r.mu.RLock()
	candidates := make([]Adapter, 0, len(r.order)+1)
	if a, ok := r.byName[hint]; ok {
		candidates = append(candidates, a)
	}
	for _, name := range r.order {
		if name != hint {
			candidates = append(candidates, r.byName[name])
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	for _, a := range candidates {
		if !a.Match(raw) {
			continue
		}
		res, err := a.Parse(raw)
		if err == nil {
			res.Adapter = a.Name()
			return res, nil
		}
	}

	res, err := fallback.Parse(raw)
	if err != nil {
		return nil, err
	}
	res.Adapter = fallback.Name()
	return res, nil
}

// parseContent reads model-written text: canonical JSON when the model followed the
// output contract, otherwise the text itself as a partial narrative.
func parseContent(text string) (*model.RoundResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrUnparseable
	}
	if obj := extractObject(text); obj != "" {
		var res model.RoundResult
		if err := json.Unmarshal([]byte(obj), &res); err == nil && strings.TrimSpace(res.Narrative) != "" {
			return &res, nil
		}
		if n := gjson.Get(obj, "narrative"); n.Type == gjson.String && strings.TrimSpace(n.Str) != "" {
			return &model.RoundResult{Narrative: n.Str, Partial: true}, nil
		}
	}
	return &model.RoundResult{Narrative: text, Partial: true}, nil
}

// extractObject returns the outermost JSON object in text, tolerating code fences
// and surrounding prose.
func extractObject(text string) string {
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	obj := text[start : end+1]
	if !gjson.Valid(obj) {
		return ""
	}
	return obj
}

type openAIChatAdapter struct{}

func (openAIChatAdapter) Name() string { return AdapterOpenAIChat }

func (openAIChatAdapter) Match(raw []byte) bool {
	return gjson.GetBytes(raw, "choices.0.message.content").Exists()
}

func (openAIChatAdapter) Parse(raw []byte) (*model.RoundResult, error) {
	return parseContent(gjson.GetBytes(raw, "choices.0.message.content").String())
}

type ollamaChatAdapter struct{}

func (ollamaChatAdapter) Name() string { return AdapterOllamaChat }

func (ollamaChatAdapter) Match(raw []byte) bool {
	return gjson.GetBytes(raw, "message.content").Exists()
}

func (ollamaChatAdapter) Parse(raw []byte) (*model.RoundResult, error) {
	return parseContent(gjson.GetBytes(raw, "message.content").String())
}

type anthropicAdapter struct{}

func (anthropicAdapter) Name() string { return AdapterAnthropicMessages }

func (anthropicAdapter) Match(raw []byte) bool {
	content := gjson.GetBytes(raw, "content")
	return content.IsArray() && gjson.GetBytes(raw, `content.#(type=="text").text`).Exists()
}

func (anthropicAdapter) Parse(raw []byte) (*model.RoundResult, error) {
	var parts []string
	for _, t := range gjson.GetBytes(raw, `content.#(type=="text")#.text`).Array() {
		parts = append(parts, t.String())
	}
	return parseContent(strings.Join(parts, "\n"))
}

type canonicalAdapter struct{}

func (canonicalAdapter) Name() string { return AdapterCanonical }

func (canonicalAdapter) Match(raw []byte) bool {
	return gjson.GetBytes(raw, "narrative").Type == gjson.String
}

func (canonicalAdapter) Parse(raw []byte) (*model.RoundResult, error) {
	var res model.RoundResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if strings.TrimSpace(res.Narrative) == "" {
		return nil, ErrUnparseable
	}
	return &res, nil
}

// fallbackPaths are searched in order for anything that looks like narrative text.
var fallbackPaths = []string{
	"narrative",
	"result.narrative",
	"data.narrative",
	"output.text",
	"output",
	"text",
	"response",
	"result",
	"completion",
	"content",
	"generated_text",
	"0.generated_text",
	"candidates.0.content.parts.0.text",
	"data.0.text",
}

type fallbackAdapter struct{}

func (fallbackAdapter) Name() string { return AdapterFallback }

func (fallbackAdapter) Match([]byte) bool { return true }

func (fallbackAdapter) Parse(raw []byte) (*model.RoundResult, error) {
	if !gjson.ValidBytes(raw) {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return nil, ErrUnparseable
		}
		return &model.RoundResult{Narrative: text, Partial: true}, nil
	}
	if gjson.ParseBytes(raw).Type == gjson.String {
		return partial(parseContent(gjson.ParseBytes(raw).Str))
	}
	for _, path := range fallbackPaths {
		v := gjson.GetBytes(raw, path)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return partial(parseContent(v.Str))
		}
	}
	return nil, ErrUnparseable
}

func partial(res *model.RoundResult, err error) (*model.RoundResult, error) {
	if err != nil {
		return nil, err
	}
	res.Partial = true
	return res, nil
}
