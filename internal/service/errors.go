package service

import (
	"errors"
	"fmt"

	"bizsim/internal/model"
)

// Rejection reasons. Callers match them with errors.Is and the category with errors.As.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrRoomBusy            = errors.New("room already has an active match")
	ErrNotOperator         = errors.New("only the operator may do this")
	ErrNotParticipant      = errors.New("user is not a participant")
	ErrWrongPhase          = errors.New("operation not allowed in current phase")
	ErrWrongRound          = errors.New("round is not the current round")
	ErrDeadlinePassed      = errors.New("decision deadline has passed")
	ErrEmptyDecision       = errors.New("decision is empty")
	ErrInvalidSetup        = errors.New("invalid session setup")
	ErrAIConfig            = errors.New("AI configuration is not usable")
	ErrInferenceInFlight   = errors.New("inference already in flight for this round")
	ErrQueueFull           = errors.New("inference queue is full, try again later")
	ErrNoInference         = errors.New("no inference recorded for round")
	ErrUnknownAction       = errors.New("unknown recovery action")
	ErrNoSnapshot          = errors.New("no snapshot available")
	ErrModifierNotFound    = errors.New("modifier not found")
	ErrInvalidModifier     = errors.New("invalid modifier")
	ErrProgressRange       = errors.New("progress out of range")
	ErrVersionConflict     = errors.New("session changed concurrently")
	ErrGameFinished        = errors.New("game already finished")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrTradeClosed         = errors.New("trade is no longer pending")
	ErrTradeExpired        = errors.New("trade has expired")
	ErrInvalidAmount       = errors.New("invalid amount: must not be negative and not both zero")
	ErrSelfTrade           = errors.New("cannot trade with self")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ValidationError means the caller violated a precondition. Nothing was changed.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// ConsistencyError means the requested transition does not fit the session's phase
// or version. It is never coerced into a nearby valid transition.
type ConsistencyError struct {
	Op    string
	Phase model.Phase
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %v (phase %s)", e.Op, e.Err, e.Phase)
}
func (e *ConsistencyError) Unwrap() error { return e.Err }

// RestoreError means a snapshot could not be restored. The live session is unchanged.
type RestoreError struct {
	SnapshotID string
	Err        error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore snapshot %s: %v", e.SnapshotID, e.Err)
}
func (e *RestoreError) Unwrap() error { return e.Err }

func invalid(op string, err error) error {
	return &ValidationError{Op: op, Err: err}
}

func inconsistent(op string, phase model.Phase, err error) error {
	return &ConsistencyError{Op: op, Phase: phase, Err: err}
}

// IsRejected reports whether err is a caller-facing rejection rather than an
// infrastructure failure.
func IsRejected(err error) bool {
	var v *ValidationError
	var c *ConsistencyError
	var r *RestoreError
	return errors.As(err, &v) || errors.As(err, &c) || errors.As(err, &r)
}
