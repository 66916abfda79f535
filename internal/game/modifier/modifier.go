// Package modifier tracks temporary event and rule effects on named attributes.
package modifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bizsim/internal/model"
)

// Modifier errors.
var (
	ErrInvalidKind        = errors.New("invalid modifier kind")
	ErrInvalidSource      = errors.New("invalid modifier source")
	ErrEmptyContent       = errors.New("modifier content is required")
	ErrNoAttributes       = errors.New("modifier must affect at least one attribute")
	ErrInvalidDuration    = errors.New("effective rounds must be positive")
	ErrNoEffect           = errors.New("event needs a multiplier or a flat bonus")
	ErrNotTracked         = errors.New("modifier kind has no progress")
	ErrAlreadyCompleted   = errors.New("modifier already completed")
	ErrNegativeMultiplier = errors.New("multiplier must not be negative")
)

// Spec describes a modifier to create.
type Spec struct {
	SourceKind         model.SourceKind
	Kind               model.ModifierKind
	Content            string
	AffectedAttributes []string
	Multiplier         *float64
	FlatBonus          *float64
	EffectiveRounds    int
}

// Validate checks the spec before a modifier is built from it.
func (s Spec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	if !s.SourceKind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, s.SourceKind)
	}
	if strings.TrimSpace(s.Content) == "" {
		return ErrEmptyContent
	}
	if len(normalizeAttributes(s.AffectedAttributes)) == 0 {
		return ErrNoAttributes
	}
	if s.Kind.Tracked() && s.EffectiveRounds < 1 {
		return ErrInvalidDuration
	}
	// Rules may be text only; missing effects compute as x1 and +0.
	if s.Kind != model.ModifierRule && s.Multiplier == nil && s.FlatBonus == nil {
		return ErrNoEffect
	}
	if s.Multiplier != nil && *s.Multiplier < 0 {
		return ErrNegativeMultiplier
	}
	return nil
}

// New builds a modifier for sessionID created in round. Tracked kinds start at
// progress {0, effectiveRounds}; single_round modifiers carry no progress and last
// one round.
func New(sessionID string, round int, spec Spec, now time.Time) (*model.Modifier, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m := &model.Modifier{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		SourceKind:         spec.SourceKind,
		Kind:               spec.Kind,
		Content:            strings.TrimSpace(spec.Content),
		AffectedAttributes: normalizeAttributes(spec.AffectedAttributes),
		Multiplier:         spec.Multiplier,
		FlatBonus:          spec.FlatBonus,
		EffectiveRounds:    spec.EffectiveRounds,
		CreatedRound:       round,
		CreatedAt:          now,
	}
	if spec.Kind.Tracked() {
		m.Progress = &model.Progress{Current: 0, Total: spec.EffectiveRounds}
	} else {
		m.EffectiveRounds = 1
	}
	return m, nil
}

func normalizeAttributes(attrs []string) []string {
	seen := make(map[string]struct{}, len(attrs))
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// IsActive reports whether m applies in currentRound.
func IsActive(m *model.Modifier, currentRound int) bool {
	if m.CompletedAt != nil {
		return false
	}
	if !m.Kind.Tracked() {
		return currentRound <= m.CreatedRound
	}
	return m.Progress != nil && m.Progress.Current < m.Progress.Total
}

// Advance counts one completed inference against a tracked modifier. It returns true
// when this step completed the modifier.
func Advance(m *model.Modifier, now time.Time) (bool, error) {
	if !m.Kind.Tracked() || m.Progress == nil {
		return false, ErrNotTracked
	}
	if m.CompletedAt != nil || m.Progress.Current >= m.Progress.Total {
		return false, ErrAlreadyCompleted
	}
	m.Progress.Current++
	if m.Progress.Current >= m.Progress.Total {
		t := now
		m.CompletedAt = &t
		return true, nil
	}
	return false, nil
}
