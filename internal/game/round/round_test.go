package round

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"bizsim/internal/model"
)

func intPtr(v int) *int { return &v }

func TestFullRoundCycle(t *testing.T) {
	s := Initial(intPtr(2))

	steps := []struct {
		trigger Trigger
		actor   Actor
		phase   model.Phase
		round   int
	}{
		{TriggerStartReview, ActorOperator, model.PhaseReview, 1},
		{TriggerDispatch, ActorOperator, model.PhaseInference, 1},
		{TriggerSucceed, ActorSystem, model.PhaseResult, 1},
		{TriggerAdvance, ActorOperator, model.PhaseDecision, 2},
		{TriggerStartReview, ActorOperator, model.PhaseReview, 2},
		{TriggerDispatch, ActorOperator, model.PhaseInference, 2},
		{TriggerFail, ActorSystem, model.PhaseReview, 2},
		{TriggerDispatch, ActorOperator, model.PhaseInference, 2},
		{TriggerSucceed, ActorSystem, model.PhaseResult, 2},
		{TriggerAdvance, ActorOperator, model.PhaseFinished, 2},
	}

	for _, step := range steps {
		next, err := Apply(s, step.trigger, step.actor)
		require.NoError(t, err, "trigger %s", step.trigger)
		assert.Equal(t, step.phase, next.Phase, "trigger %s", step.trigger)
		assert.Equal(t, step.round, next.Round, "trigger %s", step.trigger)
		s = next
	}
}

func TestApplyRejectsWrongPhase(t *testing.T) {
	s := Initial(nil)

	_, err := Apply(s, TriggerDispatch, ActorOperator)
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = Apply(s, TriggerAdvance, ActorOperator)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestApplyOnFinishedGame(t *testing.T) {
	done := State{Round: 3, Phase: model.PhaseFinished, TotalRounds: intPtr(3)}

	for _, trigger := range []Trigger{TriggerStartReview, TriggerDispatch, TriggerAdvance, TriggerFinish} {
		next, err := Apply(done, trigger, ActorOperator)
		assert.ErrorIs(t, err, ErrFinished, "trigger %s", trigger)
		assert.NotErrorIs(t, err, ErrWrongPhase, "trigger %s", trigger)
		assert.Equal(t, done, next)
	}

	_, err := Apply(done, TriggerSucceed, ActorSystem)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestApplyRejectsWrongActor(t *testing.T) {
	s := State{Round: 1, Phase: model.PhaseInference}

	_, err := Apply(s, TriggerSucceed, ActorOperator)
	assert.ErrorIs(t, err, ErrNotPermitted)

	_, err = Apply(State{Round: 1, Phase: model.PhaseDecision}, TriggerStartReview, ActorSystem)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestApplyUnknownTrigger(t *testing.T) {
	_, err := Apply(Initial(nil), Trigger("teleport"), ActorOperator)
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestUnboundedGameNeverFinishesOnAdvance(t *testing.T) {
	s := State{Round: 99, Phase: model.PhaseResult}
	next, err := Apply(s, TriggerAdvance, ActorOperator)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDecision, next.Phase)
	assert.Equal(t, 100, next.Round)
}

func TestFinishFromResult(t *testing.T) {
	next, err := Apply(State{Round: 3, Phase: model.PhaseResult}, TriggerFinish, ActorOperator)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFinished, next.Phase)
	assert.Equal(t, 3, next.Round)
}

func TestForceHelpers(t *testing.T) {
	t.Run("review only from inference", func(t *testing.T) {
		next, err := ForceReview(State{Round: 5, Phase: model.PhaseInference})
		require.NoError(t, err)
		assert.Equal(t, model.PhaseReview, next.Phase)

		_, err = ForceReview(State{Round: 5, Phase: model.PhaseResult})
		assert.ErrorIs(t, err, ErrWrongPhase)
	})

	t.Run("next round finishes after last", func(t *testing.T) {
		next, err := ForceNextRound(State{Round: 3, Phase: model.PhaseInference, TotalRounds: intPtr(3)})
		require.NoError(t, err)
		assert.Equal(t, model.PhaseFinished, next.Phase)

		next, err = ForceNextRound(State{Round: 2, Phase: model.PhaseDecision, TotalRounds: intPtr(3)})
		require.NoError(t, err)
		assert.Equal(t, model.PhaseDecision, next.Phase)
		assert.Equal(t, 3, next.Round)
	})

	t.Run("finished is terminal", func(t *testing.T) {
		done := State{Round: 3, Phase: model.PhaseFinished}
		_, err := ForceNextRound(done)
		assert.ErrorIs(t, err, ErrFinished)
		_, err = ForceDecision(done)
		assert.ErrorIs(t, err, ErrFinished)
		_, err = ForceResult(done, 2)
		assert.ErrorIs(t, err, ErrFinished)
	})

	t.Run("result sets round", func(t *testing.T) {
		next, err := ForceResult(State{Round: 4, Phase: model.PhaseReview}, 3)
		require.NoError(t, err)
		assert.Equal(t, State{Round: 3, Phase: model.PhaseResult}, next)
	})
}

var allTriggers = []Trigger{
	TriggerStartReview, TriggerDispatch, TriggerSucceed, TriggerFail, TriggerAdvance, TriggerFinish,
}

// TestPhaseAlwaysDefinedProperty drives random trigger sequences and checks that the
// machine always holds exactly one known phase, the round never decreases, and the
// round never exceeds the configured total.
func TestPhaseAlwaysDefinedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var total *int
		if rapid.Bool().Draw(t, "bounded") {
			total = intPtr(rapid.IntRange(1, 6).Draw(t, "totalRounds"))
		}
		s := Initial(total)
		steps := rapid.IntRange(1, 60).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			trigger := rapid.SampledFrom(allTriggers).Draw(t, "trigger")
			actor := rapid.SampledFrom([]Actor{ActorOperator, ActorSystem}).Draw(t, "actor")

			next, err := Apply(s, trigger, actor)
			if err != nil {
				if next != s {
					t.Fatalf("rejected trigger %s changed state: %+v -> %+v", trigger, s, next)
				}
				if s.Phase == model.PhaseFinished && errors.Is(err, ErrWrongPhase) {
					t.Fatalf("finished state rejected %s as wrong phase: %v", trigger, err)
				}
				if !errors.Is(err, ErrWrongPhase) && !errors.Is(err, ErrNotPermitted) && !errors.Is(err, ErrFinished) {
					t.Fatalf("unexpected error: %v", err)
				}
				continue
			}
			if !next.Phase.Valid() {
				t.Fatalf("undefined phase %q after %s", next.Phase, trigger)
			}
			if next.Round < s.Round {
				t.Fatalf("round decreased from %d to %d", s.Round, next.Round)
			}
			if total != nil && next.Round > *total {
				t.Fatalf("round %d exceeds total %d", next.Round, *total)
			}
			if s.Phase == model.PhaseFinished {
				t.Fatalf("transition %s escaped finished", trigger)
			}
			if next.Round != s.Round && next.Phase != model.PhaseDecision {
				t.Fatalf("new round %d opened in phase %s", next.Round, next.Phase)
			}
			s = next
		}
	})
}

// TestSourcePhaseMatchesTableProperty checks that every trigger is accepted from
// exactly its source phase by its actor and from no other phase.
func TestSourcePhaseMatchesTableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		trigger := rapid.SampledFrom(allTriggers).Draw(t, "trigger")
		phase := rapid.SampledFrom(model.Phases()).Draw(t, "phase")
		src, ok := Source(trigger)
		if !ok {
			t.Fatalf("trigger %s has no source", trigger)
		}
		actor := ActorOperator
		if trigger == TriggerSucceed || trigger == TriggerFail {
			actor = ActorSystem
		}

		_, err := Apply(State{Round: 1, Phase: phase}, trigger, actor)
		if (phase == src) != (err == nil) {
			t.Fatalf("trigger %s from %s: err=%v", trigger, phase, err)
		}
	})
}
