package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// StateKind tags the game state variant.
type StateKind string

const (
	StateDecision StateKind = "decision"
	StateReview   StateKind = "review"
	StateResult   StateKind = "result"
)

// Game state errors.
var (
	ErrStateMissing  = errors.New("game state missing")
	ErrStateKind     = errors.New("unknown game state kind")
	ErrStateMismatch = errors.New("game state does not match phase")
)

// AttrBalance is the attribute name modifiers use to target a participant's balance.
const AttrBalance = "balance"

// Bounds is the allowed closed range of an attribute.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp returns v limited to the bounds.
func (b Bounds) Clamp(v float64) float64 {
	return math.Min(math.Max(v, b.Min), b.Max)
}

// Contains reports whether v lies within the bounds.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Setup is the initial configuration of a match.
type Setup struct {
	StartingBalance float64            `json:"starting_balance"`
	Attributes      map[string]float64 `json:"attributes,omitempty"`
	Bounds          map[string]Bounds  `json:"bounds,omitempty"`
}

// PlayerState is one participant's committed figures.
type PlayerState struct {
	Balance    float64            `json:"balance"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
	Bankrupt   bool               `json:"bankrupt"`
}

// Board is the committed canonical state shared by every variant.
type Board struct {
	Setup   Setup                   `json:"setup"`
	Players map[string]*PlayerState `json:"players"`
}

// NewBoard seeds every participant from the setup.
func NewBoard(setup Setup, participants []string) Board {
	b := Board{Setup: setup, Players: make(map[string]*PlayerState, len(participants))}
	for _, p := range participants {
		attrs := make(map[string]float64, len(setup.Attributes))
		for k, v := range setup.Attributes {
			attrs[k] = v
		}
		b.Players[p] = &PlayerState{Balance: setup.StartingBalance, Attributes: attrs}
	}
	return b
}

func (b *Board) board() *Board { return b }

// GameState is the tagged union stored in Session.GameState. The concrete types are
// DecisionPhaseState, ReviewPhaseState and ResultPhaseState.
type GameState interface {
	Kind() StateKind
	board() *Board
}

// DecisionPhaseState is held while participants are submitting.
type DecisionPhaseState struct {
	Board
}

// ReviewPhaseState is held while the operator reviews and while inference runs.
type ReviewPhaseState struct {
	Board
	LockedAt  time.Time `json:"locked_at"`
	Decisions int       `json:"decisions"`
}

// ResultPhaseState carries the last committed round result.
type ResultPhaseState struct {
	Board
	Result *RoundResult `json:"result"`
}

func (*DecisionPhaseState) Kind() StateKind { return StateDecision }
func (*ReviewPhaseState) Kind() StateKind   { return StateReview }
func (*ResultPhaseState) Kind() StateKind   { return StateResult }

// BoardOf returns the board carried by any variant.
func BoardOf(gs GameState) *Board {
	if gs == nil {
		return nil
	}
	return gs.board()
}

// KindForPhase returns the state variant a phase requires.
func KindForPhase(p Phase) StateKind {
	switch p {
	case PhaseDecision:
		return StateDecision
	case PhaseReview, PhaseInference:
		return StateReview
	default:
		return StateResult
	}
}

// ValidateStateForPhase rejects a missing state or a variant that does not belong to the phase.
func ValidateStateForPhase(p Phase, gs GameState) error {
	if gs == nil || gs.board() == nil {
		return ErrStateMissing
	}
	if want := KindForPhase(p); gs.Kind() != want {
		return fmt.Errorf("%w: phase %s requires %s, got %s", ErrStateMismatch, p, want, gs.Kind())
	}
	if gs.board().Players == nil {
		return fmt.Errorf("%w: players", ErrStateMissing)
	}
	return nil
}

// ToDecisionState carries the board into a fresh decision variant.
func ToDecisionState(gs GameState) *DecisionPhaseState {
	return &DecisionPhaseState{Board: cloneBoard(BoardOf(gs))}
}

// ToReviewState carries the board into a review variant.
func ToReviewState(gs GameState, lockedAt time.Time, decisions int) *ReviewPhaseState {
	return &ReviewPhaseState{Board: cloneBoard(BoardOf(gs)), LockedAt: lockedAt, Decisions: decisions}
}

// ToResultState carries the board into a result variant holding the given result.
func ToResultState(gs GameState, result *RoundResult) *ResultPhaseState {
	return &ResultPhaseState{Board: cloneBoard(BoardOf(gs)), Result: result}
}

type stateEnvelope struct {
	Kind StateKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeState serializes a state into its tagged envelope.
func EncodeState(gs GameState) ([]byte, error) {
	if gs == nil {
		return nil, ErrStateMissing
	}
	data, err := json.Marshal(gs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode game state: %w", err)
	}
	return json.Marshal(stateEnvelope{Kind: gs.Kind(), Data: data})
}

// DecodeState parses a tagged envelope into the matching variant.
func DecodeState(raw []byte) (GameState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrStateMissing
	}
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode game state: %w", err)
	}
	var gs GameState
	switch env.Kind {
	case StateDecision:
		gs = &DecisionPhaseState{}
	case StateReview:
		gs = &ReviewPhaseState{}
	case StateResult:
		gs = &ResultPhaseState{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrStateKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, gs); err != nil {
		return nil, fmt.Errorf("failed to decode %s game state: %w", env.Kind, err)
	}
	return gs, nil
}

// CloneState deep-copies a state through its envelope.
func CloneState(gs GameState) GameState {
	if gs == nil {
		return nil
	}
	raw, err := EncodeState(gs)
	if err != nil {
		return nil
	}
	c, err := DecodeState(raw)
	if err != nil {
		return nil
	}
	return c
}

func cloneBoard(b *Board) Board {
	if b == nil {
		return Board{Players: map[string]*PlayerState{}}
	}
	c := Board{Setup: b.Setup, Players: make(map[string]*PlayerState, len(b.Players))}
	for id, p := range b.Players {
		ps := *p
		ps.Attributes = make(map[string]float64, len(p.Attributes))
		for k, v := range p.Attributes {
			ps.Attributes[k] = v
		}
		c.Players[id] = &ps
	}
	return c
}

// RoundResult is the canonical outcome of one inference.
type RoundResult struct {
	Round         int                `json:"round"`
	Narrative     string             `json:"narrative"`
	Deltas        []ParticipantDelta `json:"deltas,omitempty"`
	Ranking       []string           `json:"ranking,omitempty"`
	Risks         []string           `json:"risks,omitempty"`
	Opportunities []string           `json:"opportunities,omitempty"`
	Achievements  []Achievement      `json:"achievements,omitempty"`
	Adapter       string             `json:"adapter,omitempty"`
	Partial       bool               `json:"partial,omitempty"`
	Placeholder   bool               `json:"placeholder,omitempty"`
}

// ParticipantDelta is the change the AI assigned to one participant.
type ParticipantDelta struct {
	UserID     string             `json:"user_id"`
	Balance    float64            `json:"balance"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
	Note       string             `json:"note,omitempty"`
}

// Achievement is an unlock awarded in a round.
type Achievement struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
