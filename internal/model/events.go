package model

import "time"

// EventType names a broadcast emitted after a committed change.
type EventType string

const (
	EventRoundStageChanged  EventType = "round_stage_changed"
	EventInferenceStarted   EventType = "inference_started"
	EventInferenceProgress  EventType = "inference_progress"
	EventInferenceCompleted EventType = "inference_completed"
	EventInferenceFailed    EventType = "inference_failed"
	EventRoundChanged       EventType = "round_changed"
	EventModifierProgress   EventType = "event_progress_updated"
	EventModifierCompleted  EventType = "event_completed"
	EventGameRestored       EventType = "game_restored"
	EventDecisionSubmitted  EventType = "decision_submitted"
	EventGameFinished       EventType = "game_finished"
	EventTradeUpdated       EventType = "trade_updated"
)

// Event is the canonical broadcast envelope, keyed by session and room.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id"`
	Round     int       `json:"round"`
	Phase     Phase     `json:"phase"`
	Version   int64     `json:"version"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent stamps an event with the session's current coordinates.
func NewEvent(t EventType, s *Session, payload any, at time.Time) Event {
	return Event{
		Type:      t,
		SessionID: s.ID,
		RoomID:    s.RoomID,
		Round:     s.CurrentRound,
		Phase:     s.Phase,
		Version:   s.Version,
		Payload:   payload,
		At:        at,
	}
}

// AnomalyKind classifies a detected deviation.
type AnomalyKind string

const (
	AnomalyInferenceTimeout  AnomalyKind = "inference_timeout"
	AnomalyNoDecisions       AnomalyKind = "no_decisions"
	AnomalyMissingResult     AnomalyKind = "missing_result"
	AnomalyDataInconsistency AnomalyKind = "data_inconsistency"
)

// Anomaly is a passive observation that needs an operator remediation.
type Anomaly struct {
	Kind       AnomalyKind    `json:"kind"`
	Round      int            `json:"round"`
	Message    string         `json:"message"`
	Suggested  RecoveryAction `json:"suggested_action,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
}

// RecoveryAction is an operator-triggered remediation.
type RecoveryAction string

const (
	RecoverRetryInference RecoveryAction = "retry_inference"
	RecoverSkipRound      RecoveryAction = "skip_round"
	RecoverForceNextRound RecoveryAction = "force_next_round"
	RecoverRollbackRound  RecoveryAction = "rollback_round"
	RecoverResetDecision  RecoveryAction = "reset_to_decision"
	RecoverFixData        RecoveryAction = "fix_data_inconsistency"
)

// RecoveryActions lists every supported remediation.
func RecoveryActions() []RecoveryAction {
	return []RecoveryAction{
		RecoverRetryInference,
		RecoverSkipRound,
		RecoverForceNextRound,
		RecoverRollbackRound,
		RecoverResetDecision,
		RecoverFixData,
	}
}
