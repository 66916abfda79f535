package model

import (
	"slices"
	"time"
)

// ModifierKind controls how long a modifier stays active.
type ModifierKind string

const (
	ModifierSingleRound ModifierKind = "single_round"
	ModifierMultiRound  ModifierKind = "multi_round"
	ModifierRule        ModifierKind = "rule"
)

// Valid reports whether k is a known modifier kind.
func (k ModifierKind) Valid() bool {
	return k == ModifierSingleRound || k == ModifierMultiRound || k == ModifierRule
}

// Tracked reports whether the kind carries progress.
func (k ModifierKind) Tracked() bool {
	return k == ModifierMultiRound || k == ModifierRule
}

// SourceKind tells whether a modifier came from the rules or from an external trigger.
type SourceKind string

const (
	SourceEvent       SourceKind = "event"
	SourceHexagram    SourceKind = "hexagram"
	SourceAchievement SourceKind = "achievement"
)

// Valid reports whether s is a known source kind.
func (s SourceKind) Valid() bool {
	return s == SourceEvent || s == SourceHexagram || s == SourceAchievement
}

// Progress counts completed inferences against the modifier's lifetime.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Modifier is a temporary numeric adjustment to named attributes.
type Modifier struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"session_id"`
	SourceKind         SourceKind   `json:"source_kind"`
	Kind               ModifierKind `json:"kind"`
	Content            string       `json:"content"`
	AffectedAttributes []string     `json:"affected_attributes"`
	Multiplier         *float64     `json:"multiplier,omitempty"`
	FlatBonus          *float64     `json:"flat_bonus,omitempty"`
	EffectiveRounds    int          `json:"effective_rounds"`
	Progress           *Progress    `json:"progress,omitempty"`
	CreatedRound       int          `json:"created_round"`
	CreatedAt          time.Time    `json:"created_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

// Affects reports whether the modifier targets attr.
func (m *Modifier) Affects(attr string) bool {
	return slices.Contains(m.AffectedAttributes, attr)
}

// Clone returns a deep copy of the modifier.
func (m *Modifier) Clone() *Modifier {
	c := *m
	c.AffectedAttributes = slices.Clone(m.AffectedAttributes)
	if m.Multiplier != nil {
		v := *m.Multiplier
		c.Multiplier = &v
	}
	if m.FlatBonus != nil {
		v := *m.FlatBonus
		c.FlatBonus = &v
	}
	if m.Progress != nil {
		p := *m.Progress
		c.Progress = &p
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
