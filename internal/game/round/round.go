// Package round implements the phase lifecycle of a match as a pure transition table.
package round

import (
	"errors"
	"fmt"

	"bizsim/internal/model"
)

// Transition errors.
var (
	ErrWrongPhase     = errors.New("transition not allowed from current phase")
	ErrNotPermitted   = errors.New("actor may not trigger this transition")
	ErrUnknownTrigger = errors.New("unknown trigger")
	ErrFinished       = errors.New("game already finished")
)

// Trigger is an input to the state machine.
type Trigger string

const (
	TriggerStartReview Trigger = "start_review"
	TriggerDispatch    Trigger = "dispatch"
	TriggerSucceed     Trigger = "inference_succeeded"
	TriggerFail        Trigger = "inference_failed"
	TriggerAdvance     Trigger = "advance"
	TriggerFinish      Trigger = "finish"
)

// Actor identifies who fires a trigger.
type Actor int

const (
	ActorOperator Actor = iota
	ActorSystem
)

func (a Actor) String() string {
	if a == ActorSystem {
		return "system"
	}
	return "operator"
}

// State is the part of a session the machine reads and writes.
type State struct {
	Round       int
	Phase       model.Phase
	TotalRounds *int
}

// FromSession extracts the machine state of s.
func FromSession(s *model.Session) State {
	return State{Round: s.CurrentRound, Phase: s.Phase, TotalRounds: s.TotalRounds}
}

// Initial is the state of a freshly created session.
func Initial(totalRounds *int) State {
	return State{Round: 1, Phase: model.PhaseDecision, TotalRounds: totalRounds}
}

// HasMoreRounds reports whether another decision phase follows the current round.
func (s State) HasMoreRounds() bool {
	return s.TotalRounds == nil || s.Round < *s.TotalRounds
}

type edge struct {
	from  model.Phase
	actor Actor
}

var table = map[Trigger]edge{
	TriggerStartReview: {model.PhaseDecision, ActorOperator},
	TriggerDispatch:    {model.PhaseReview, ActorOperator},
	TriggerSucceed:     {model.PhaseInference, ActorSystem},
	TriggerFail:        {model.PhaseInference, ActorSystem},
	TriggerAdvance:     {model.PhaseResult, ActorOperator},
	TriggerFinish:      {model.PhaseResult, ActorOperator},
}

// Source returns the phase a trigger must be fired from.
func Source(t Trigger) (model.Phase, bool) {
	e, ok := table[t]
	return e.from, ok
}

// Apply fires t on s and returns the resulting state. s is never modified.
func Apply(s State, t Trigger, actor Actor) (State, error) {
	e, ok := table[t]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownTrigger, t)
	}
	if e.actor != actor {
		return s, fmt.Errorf("%w: %s by %s", ErrNotPermitted, t, actor)
	}
	if s.Phase == model.PhaseFinished {
		return s, ErrFinished
	}
	if s.Phase != e.from {
		return s, fmt.Errorf("%w: %s requires %s, session is in %s", ErrWrongPhase, t, e.from, s.Phase)
	}

	next := s
	switch t {
	case TriggerStartReview:
		next.Phase = model.PhaseReview
	case TriggerDispatch:
		next.Phase = model.PhaseInference
	case TriggerSucceed:
		next.Phase = model.PhaseResult
	case TriggerFail:
		next.Phase = model.PhaseReview
	case TriggerAdvance:
		next = nextRound(s)
	case TriggerFinish:
		next.Phase = model.PhaseFinished
	}
	return next, nil
}

func nextRound(s State) State {
	next := s
	if s.HasMoreRounds() {
		next.Round = s.Round + 1
		next.Phase = model.PhaseDecision
	} else {
		next.Phase = model.PhaseFinished
	}
	return next
}

// ForceReview moves an in-flight inference back to review, for retry_inference.
func ForceReview(s State) (State, error) {
	if s.Phase != model.PhaseInference {
		return s, fmt.Errorf("%w: retry requires %s, session is in %s", ErrWrongPhase, model.PhaseInference, s.Phase)
	}
	s.Phase = model.PhaseReview
	return s, nil
}

// ForceNextRound leaves the current round from any live phase, opening the next
// decision phase or finishing the game after the last round.
func ForceNextRound(s State) (State, error) {
	if s.Phase == model.PhaseFinished {
		return s, ErrFinished
	}
	return nextRound(s), nil
}

// ForceResult places the session in result for round r, for rollback.
func ForceResult(s State, r int) (State, error) {
	if r < 1 {
		return s, fmt.Errorf("invalid round %d", r)
	}
	if s.Phase == model.PhaseFinished {
		return s, ErrFinished
	}
	s.Round = r
	s.Phase = model.PhaseResult
	return s, nil
}

// ForceDecision reopens the decision phase of the current round.
func ForceDecision(s State) (State, error) {
	if s.Phase == model.PhaseFinished {
		return s, ErrFinished
	}
	s.Phase = model.PhaseDecision
	return s, nil
}
