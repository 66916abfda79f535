package model

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleBoard() Board {
	b := NewBoard(Setup{
		StartingBalance: 1000,
		Attributes:      map[string]float64{"morale": 50},
		Bounds:          map[string]Bounds{"morale": {Min: 0, Max: 100}},
	}, []string{"alice", "bob"})
	b.Players["bob"].Balance = 750
	return b
}

func TestStateEnvelope(t *testing.T) {
	lockedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	result := &RoundResult{Round: 2, Narrative: "Prices rose.", Ranking: []string{"alice", "bob"}}

	tests := []struct {
		name  string
		state GameState
		kind  StateKind
		phase []Phase
	}{
		{"decision", &DecisionPhaseState{Board: sampleBoard()}, StateDecision, []Phase{PhaseDecision}},
		{"review", &ReviewPhaseState{Board: sampleBoard(), LockedAt: lockedAt, Decisions: 2}, StateReview, []Phase{PhaseReview, PhaseInference}},
		{"result", &ResultPhaseState{Board: sampleBoard(), Result: result}, StateResult, []Phase{PhaseResult, PhaseFinished}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeState(tt.state)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"kind":"`+string(tt.kind)+`"`)

			decoded, err := DecodeState(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, decoded.Kind())
			assert.Equal(t, tt.state, decoded)

			clone := CloneState(tt.state)
			require.Equal(t, tt.state, clone)
			BoardOf(clone).Players["alice"].Attributes["morale"] = 0
			assert.Equal(t, 50.0, BoardOf(tt.state).Players["alice"].Attributes["morale"])

			for _, p := range Phases() {
				err := ValidateStateForPhase(p, tt.state)
				if slices.Contains(tt.phase, p) {
					assert.NoError(t, err, "phase %s", p)
					continue
				}
				assert.ErrorIs(t, err, ErrStateMismatch, "phase %s", p)
			}
		})
	}
}

func TestDecodeStateRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", ``, ErrStateMissing},
		{"null", `null`, ErrStateMissing},
		{"unknown kind", `{"kind":"auction","data":{}}`, ErrStateKind},
		{"missing kind", `{"data":{"players":{}}}`, ErrStateKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := DecodeState([]byte(`{"kind":"review","data":{"locked_at":"yesterday"}}`))
	assert.Error(t, err)
	_, err = EncodeState(nil)
	assert.ErrorIs(t, err, ErrStateMissing)
}

func TestValidateStateForPhaseMissing(t *testing.T) {
	assert.ErrorIs(t, ValidateStateForPhase(PhaseDecision, nil), ErrStateMissing)
	assert.ErrorIs(t, ValidateStateForPhase(PhaseDecision, &DecisionPhaseState{}), ErrStateMissing)
	assert.Nil(t, CloneState(nil))
}

func TestTransitionsCarryBoard(t *testing.T) {
	decision := &DecisionPhaseState{Board: sampleBoard()}
	review := ToReviewState(decision, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), 1)
	require.NoError(t, ValidateStateForPhase(PhaseInference, review))

	result := ToResultState(review, &RoundResult{Round: 1})
	require.NoError(t, ValidateStateForPhase(PhaseResult, result))
	assert.Equal(t, 750.0, result.Players["bob"].Balance)

	next := ToDecisionState(result)
	require.NoError(t, ValidateStateForPhase(PhaseDecision, next))
	next.Players["bob"].Balance = 0
	assert.Equal(t, 750.0, result.Players["bob"].Balance)

	empty := ToDecisionState(nil)
	assert.NoError(t, ValidateStateForPhase(PhaseDecision, empty))
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskInvalidated} {
		assert.True(t, s.Terminal(), s)
	}
}

func drawState(t *rapid.T) GameState {
	players := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 1, 5, rapid.ID[string]).Draw(t, "players")
	b := NewBoard(Setup{
		StartingBalance: rapid.Float64Range(0, 1e6).Draw(t, "starting"),
		Attributes:      map[string]float64{"morale": rapid.Float64Range(0, 100).Draw(t, "morale")},
	}, players)
	for _, p := range players {
		b.Players[p].Balance = rapid.Float64Range(-1e6, 1e6).Draw(t, "balance")
		b.Players[p].Bankrupt = rapid.Bool().Draw(t, "bankrupt")
	}

	switch rapid.SampledFrom([]StateKind{StateDecision, StateReview, StateResult}).Draw(t, "kind") {
	case StateDecision:
		return &DecisionPhaseState{Board: b}
	case StateReview:
		secs := rapid.Int64Range(0, 4e9).Draw(t, "lockedAt")
		return &ReviewPhaseState{Board: b, LockedAt: time.Unix(secs, 0).UTC(), Decisions: rapid.IntRange(0, 10).Draw(t, "decisions")}
	default:
		return &ResultPhaseState{Board: b, Result: &RoundResult{
			Round:       rapid.IntRange(1, 50).Draw(t, "round"),
			Narrative:   rapid.String().Draw(t, "narrative"),
			Placeholder: rapid.Bool().Draw(t, "placeholder"),
		}}
	}
}

// TestStateRoundTripProperty checks that every variant survives its envelope and
// still validates for the phases its kind belongs to.
func TestStateRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gs := drawState(t)

		raw, err := EncodeState(gs)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeState(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Kind() != gs.Kind() {
			t.Fatalf("kind changed from %s to %s", gs.Kind(), decoded.Kind())
		}
		again, err := EncodeState(decoded)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if string(again) != string(raw) {
			t.Fatalf("round trip changed encoding:\n%s\n%s", raw, again)
		}

		for _, p := range Phases() {
			err := ValidateStateForPhase(p, decoded)
			if (KindForPhase(p) == gs.Kind()) != (err == nil) {
				t.Fatalf("phase %s with %s state: err=%v", p, gs.Kind(), err)
			}
		}
	})
}
