// Package model defines the data models for the business-simulation orchestrator.
package model

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

// Phase is the stage a session's current round is in.
type Phase string

// Round phases.
const (
	PhaseDecision  Phase = "decision"
	PhaseReview    Phase = "review"
	PhaseInference Phase = "inference"
	PhaseResult    Phase = "result"
	PhaseFinished  Phase = "finished"
)

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{PhaseDecision, PhaseReview, PhaseInference, PhaseResult, PhaseFinished}
}

// Valid reports whether p is one of the five known phases.
func (p Phase) Valid() bool {
	return slices.Contains(Phases(), p)
}

// SessionStatus is the coarse lifecycle of a match.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusFinished SessionStatus = "finished"
)

// AI provider names understood by the inference layer.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderHTTP   = "http"
)

// Configuration errors.
var (
	ErrAIConfigMissing  = errors.New("no AI configuration")
	ErrAIConfigProvider = errors.New("unknown AI provider")
	ErrAIConfigModel    = errors.New("AI model is required")
	ErrAIConfigEndpoint = errors.New("AI endpoint is required")
	ErrAIConfigAuth     = errors.New("AI api key is required")
	ErrAIConfigTemplate = errors.New("AI body template is required")
)

// AIConfig is the per-session provider configuration.
type AIConfig struct {
	Provider       string            `json:"provider"`
	Endpoint       string            `json:"endpoint,omitempty"`
	APIKey         string            `json:"api_key,omitempty"`
	Model          string            `json:"model,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	BodyTemplate   string            `json:"body_template,omitempty"`
	ResponseFormat string            `json:"response_format,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
}

// Usable checks that the configuration carries what its provider needs.
func (c *AIConfig) Usable() error {
	if c == nil || strings.TrimSpace(c.Provider) == "" {
		return ErrAIConfigMissing
	}
	switch c.Provider {
	case ProviderOpenAI:
		if c.Model == "" {
			return ErrAIConfigModel
		}
		if c.APIKey == "" {
			return ErrAIConfigAuth
		}
	case ProviderOllama:
		if c.Model == "" {
			return ErrAIConfigModel
		}
	case ProviderHTTP:
		if c.Endpoint == "" {
			return ErrAIConfigEndpoint
		}
		if c.BodyTemplate == "" {
			return ErrAIConfigTemplate
		}
	default:
		return ErrAIConfigProvider
	}
	return nil
}

// Session is one match driven by the orchestrator.
type Session struct {
	ID               string        `json:"id"`
	RoomID           string        `json:"room_id"`
	OperatorID       string        `json:"operator_id"`
	Participants     []string      `json:"participants"`
	CurrentRound     int           `json:"current_round"`
	Phase            Phase         `json:"phase"`
	DecisionDeadline *time.Time    `json:"decision_deadline,omitempty"`
	TotalRounds      *int          `json:"total_rounds,omitempty"`
	Status           SessionStatus `json:"status"`
	GameState        GameState     `json:"-"`
	AIConfig         *AIConfig     `json:"ai_config,omitempty"`
	RuleText         string        `json:"rule_text,omitempty"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsOperator reports whether userID hosts this session.
func (s *Session) IsOperator(userID string) bool {
	return userID != "" && s.OperatorID == userID
}

// IsParticipant reports whether userID plays in this session.
func (s *Session) IsParticipant(userID string) bool {
	return slices.Contains(s.Participants, userID)
}

// DeadlinePassed reports whether the decision deadline is set and lies before now.
func (s *Session) DeadlinePassed(now time.Time) bool {
	return s.DecisionDeadline != nil && now.After(*s.DecisionDeadline)
}

type sessionJSON struct {
	*sessionAlias
	State json.RawMessage `json:"game_state"`
}

type sessionAlias Session

// MarshalJSON encodes the session with its game state envelope.
func (s *Session) MarshalJSON() ([]byte, error) {
	state, err := EncodeState(s.GameState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionJSON{sessionAlias: (*sessionAlias)(s), State: state})
}

// UnmarshalJSON decodes a session and validates its game state against the phase.
func (s *Session) UnmarshalJSON(data []byte) error {
	aux := sessionJSON{sessionAlias: (*sessionAlias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	state, err := DecodeState(aux.State)
	if err != nil {
		return err
	}
	s.GameState = state
	return ValidateStateForPhase(s.Phase, state)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.DecisionDeadline != nil {
		d := *s.DecisionDeadline
		c.DecisionDeadline = &d
	}
	if s.TotalRounds != nil {
		t := *s.TotalRounds
		c.TotalRounds = &t
	}
	if s.AIConfig != nil {
		cfg := *s.AIConfig
		if s.AIConfig.Headers != nil {
			cfg.Headers = make(map[string]string, len(s.AIConfig.Headers))
			for k, v := range s.AIConfig.Headers {
				cfg.Headers[k] = v
			}
		}
		c.AIConfig = &cfg
	}
	c.GameState = CloneState(s.GameState)
	return &c
}

// DecisionStatus tracks whether the operator has locked a submission.
type DecisionStatus string

const (
	DecisionSubmitted DecisionStatus = "submitted"
	DecisionReviewed  DecisionStatus = "reviewed"
)

// DecisionPayload is a participant's move for a round.
type DecisionPayload struct {
	Action  string            `json:"action"`
	Choices map[string]string `json:"choices,omitempty"`
}

// Empty reports whether the payload carries neither text nor choices.
func (p DecisionPayload) Empty() bool {
	return strings.TrimSpace(p.Action) == "" && len(p.Choices) == 0
}

// Decision is the authoritative entry of one participant for one round.
type Decision struct {
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	Round       int             `json:"round"`
	Payload     DecisionPayload `json:"payload"`
	Status      DecisionStatus  `json:"status"`
	SubmittedBy string          `json:"submitted_by"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Clone returns a deep copy of the decision.
func (d *Decision) Clone() *Decision {
	c := *d
	if d.Payload.Choices != nil {
		c.Payload.Choices = make(map[string]string, len(d.Payload.Choices))
		for k, v := range d.Payload.Choices {
			c.Payload.Choices[k] = v
		}
	}
	return &c
}

// TaskStatus is the lifecycle of an inference task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskInvalidated TaskStatus = "invalidated"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s != TaskPending
}

// InferenceTask is one AI resolution attempt for (session, round). Its ID doubles
// as the identity token carried by the background job.
type InferenceTask struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Round       int          `json:"round"`
	Status      TaskStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	Result      *RoundResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// SnapshotReason records why a snapshot was taken.
type SnapshotReason string

const (
	SnapshotManual SnapshotReason = "manual"
	SnapshotAuto   SnapshotReason = "auto"
)

// SnapshotPayload is the full serialized state captured by a snapshot.
type SnapshotPayload struct {
	Session   *Session    `json:"session"`
	Decisions []*Decision `json:"decisions"`
	Modifiers []*Modifier `json:"modifiers"`
}

// Snapshot is an immutable point-in-time copy of a session.
type Snapshot struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Round     int             `json:"round"`
	Reason    SnapshotReason  `json:"reason"`
	Payload   SnapshotPayload `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// TradeStatus is the lifecycle of a trade offer.
type TradeStatus string

const (
	TradePending  TradeStatus = "pending"
	TradeAccepted TradeStatus = "accepted"
	TradeRejected TradeStatus = "rejected"
	TradeExpired  TradeStatus = "expired"
)

// Trade is a balance exchange offered by one participant to another.
// Give is paid by FromUser, Want by ToUser.
type Trade struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Round      int         `json:"round"`
	FromUser   string      `json:"from_user"`
	ToUser     string      `json:"to_user"`
	Give       float64     `json:"give"`
	Want       float64     `json:"want"`
	Note       string      `json:"note,omitempty"`
	Status     TradeStatus `json:"status"`
	ExpiresAt  time.Time   `json:"expires_at"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}
