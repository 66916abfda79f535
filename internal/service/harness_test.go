package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bizsim/internal/ai"
	"bizsim/internal/broadcast"
	"bizsim/internal/cache"
	"bizsim/internal/model"
	"bizsim/internal/pkg/worker"
	"bizsim/internal/repository"
)

const (
	operator = "op"
	alice    = "alice"
	bob      = "bob"
)

func resultBody(balance float64) string {
	return fmt.Sprintf(`{"narrative":"Prices rose.","deltas":[{"user_id":%q,"balance":%g}]}`, alice, balance)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubProvider answers with raw after failing with errs in order. When gate is set,
// every call waits for it to close.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	raw     string
	gate    chan struct{}
	entered chan struct{}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(ctx context.Context, _ ai.Request) (*ai.Response, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	raw, gate, entered := p.raw, p.gate, p.entered
	var err error
	if n < len(p.errs) {
		err = p.errs[n]
	}
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &ai.Response{Provider: p.Name(), Raw: []byte(raw)}, nil
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) unavailable() error {
	return &ai.ProviderError{Provider: p.Name(), StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
}

type stubResolver struct{ p ai.Provider }

func (r stubResolver) Resolve(cfg *model.AIConfig) (ai.Provider, error) {
	if err := cfg.Usable(); err != nil {
		return nil, err
	}
	return r.p, nil
}

func (r stubResolver) Supports(name string) bool { return name == model.ProviderOpenAI }

type harness struct {
	o        *Orchestrator
	store    *repository.Memory
	cache    *cache.Memory
	events   *broadcast.Recorder
	pool     *worker.Pool
	clock    *fakeClock
	provider *stubProvider
}

func testPolicy() ai.RetryPolicy {
	return ai.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RequestTimeout:  30 * time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	h := newIdleHarness(t, worker.New(16, 2))
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)
	t.Cleanup(func() {
		require.NoError(t, h.pool.Shutdown(context.Background()))
		cancel()
	})
	return h
}

// newIdleHarness wires an orchestrator to pool without starting it.
func newIdleHarness(t *testing.T, pool *worker.Pool) *harness {
	t.Helper()
	clock := newClock()
	h := &harness{
		store:    repository.NewMemory(),
		cache:    cache.NewMemory(clock.Now),
		events:   broadcast.NewRecorder(),
		pool:     pool,
		clock:    clock,
		provider: &stubProvider{raw: resultBody(100)},
	}
	h.o = NewOrchestrator(Deps{
		Store:     h.store,
		Cache:     h.cache,
		Events:    h.events,
		Providers: stubResolver{p: h.provider},
		Runner:    ai.NewRunner(testPolicy(), nil, nil),
		Jobs:      pool,
		Clock:     clock.Now,
	}, DefaultSettings())
	return h
}

func aiConfig() *model.AIConfig {
	return &model.AIConfig{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "sk-test"}
}

func (h *harness) create(t *testing.T, mutate ...func(*CreateSessionParams)) *model.Session {
	t.Helper()
	p := CreateSessionParams{
		RoomID:       "room-1",
		OperatorID:   operator,
		Participants: []string{alice, bob},
		AIConfig:     aiConfig(),
		RuleText:     "Grow the company.",
	}
	for _, m := range mutate {
		m(&p)
	}
	s, err := h.o.CreateSession(context.Background(), p)
	require.NoError(t, err)
	return s
}

func (h *harness) session(t *testing.T, id string) *model.Session {
	t.Helper()
	s, err := h.o.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) submit(t *testing.T, sessionID, userID string, round int) {
	t.Helper()
	_, err := h.o.SubmitDecision(context.Background(), SubmitParams{
		SessionID: sessionID,
		ActorID:   userID,
		Round:     round,
		Payload:   model.DecisionPayload{Action: "expand to round " + fmt.Sprint(round)},
	})
	require.NoError(t, err)
}

// review collects both decisions of the current round and closes it.
func (h *harness) review(t *testing.T, sessionID string) {
	t.Helper()
	round := h.session(t, sessionID).CurrentRound
	h.submit(t, sessionID, alice, round)
	h.submit(t, sessionID, bob, round)
	_, err := h.o.StartReview(context.Background(), sessionID, operator)
	require.NoError(t, err)
}

// infer dispatches the current round and waits for the job to finish.
func (h *harness) infer(t *testing.T, sessionID string) *model.InferenceTask {
	t.Helper()
	task, err := h.o.SubmitToAI(context.Background(), sessionID, operator)
	require.NoError(t, err)
	h.pool.Wait()
	return task
}

// play runs the current round through to its result.
func (h *harness) play(t *testing.T, sessionID string) {
	t.Helper()
	h.review(t, sessionID)
	h.infer(t, sessionID)
	require.Equal(t, model.PhaseResult, h.session(t, sessionID).Phase)
}

func (h *harness) advance(t *testing.T, sessionID string) *model.Session {
	t.Helper()
	s, err := h.o.AdvanceRound(context.Background(), sessionID, operator)
	require.NoError(t, err)
	return s
}

func balanceOf(s *model.Session, userID string) float64 {
	return model.BoardOf(s.GameState).Players[userID].Balance
}

func requireRejected(t *testing.T, err, target error) {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.ErrorIs(t, err, target)
}
