// Package broadcast delivers committed session events to observers.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"bizsim/internal/model"
)

// Broadcaster publishes an event keyed by session and room.
type Broadcaster interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Fanout publishes every event to each of its targets. A failing target does not
// stop delivery to the others.
type Fanout struct {
	mu      sync.RWMutex
	targets []Broadcaster
}

// NewFanout creates a fan-out over targets.
func NewFanout(targets ...Broadcaster) *Fanout {
	return &Fanout{targets: targets}
}

// Add appends a target.
func (f *Fanout) Add(b Broadcaster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, b)
}

func (f *Fanout) Publish(ctx context.Context, ev model.Event) error {
	f.mu.RLock()
	targets := append([]Broadcaster(nil), f.targets...)
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		if err := t.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("session_id", ev.SessionID).
				Str("event", string(ev.Type)).
				Msg("Failed to deliver event")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
