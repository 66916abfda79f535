// Package service implements the game session orchestrator: round progression,
// decision collection, inference supervision, temporary modifiers and recovery.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizsim/internal/ai"
	"bizsim/internal/broadcast"
	"bizsim/internal/cache"
	"bizsim/internal/config"
	"bizsim/internal/game/modifier"
	"bizsim/internal/game/round"
	"bizsim/internal/model"
	"bizsim/internal/pkg/lock"
	"bizsim/internal/pkg/worker"
	"bizsim/internal/repository"
)

// JobQueue accepts background jobs without blocking.
type JobQueue interface {
	Submit(job worker.Job) error
}

// Settings are the orchestrator's timing and match defaults.
type Settings struct {
	DecisionDuration time.Duration
	StuckThreshold   time.Duration
	LockTimeout      time.Duration
	ResultTTL        time.Duration
	InFlightTTL      time.Duration
	TradeTTL         time.Duration
	StartingBalance  float64
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		DecisionDuration: 10 * time.Minute,
		StuckThreshold:   5 * time.Minute,
		LockTimeout:      10 * time.Second,
		ResultTTL:        24 * time.Hour,
		InFlightTTL:      15 * time.Minute,
		TradeTTL:         5 * time.Minute,
		StartingBalance:  1000,
	}
}

// SettingsFrom derives settings from the application config.
func SettingsFrom(cfg *config.Config) Settings {
	s := DefaultSettings()
	s.DecisionDuration = cfg.Game.DecisionDuration
	s.TradeTTL = cfg.Game.TradeTTL
	s.StartingBalance = cfg.Game.StartingBalance
	if cfg.Inference.StuckThreshold > 0 {
		s.StuckThreshold = cfg.Inference.StuckThreshold
	}
	if cfg.Inference.ResultTTL > 0 {
		s.ResultTTL = cfg.Inference.ResultTTL
	}
	if cfg.Inference.InFlightTTL > 0 {
		s.InFlightTTL = cfg.Inference.InFlightTTL
	}
	return s
}

// Deps are the collaborators of the orchestrator. Store, Providers and Jobs are required.
type Deps struct {
	Store     repository.Store
	Cache     cache.Cache
	Events    broadcast.Broadcaster
	Providers ai.Resolver
	Runner    *ai.Runner
	Jobs      JobQueue
	Locks     *lock.KeyLock
	Clock     func() time.Time
}

// Orchestrator drives every session through its round lifecycle. Each session is
// serialized by its own lock; distinct sessions share only the provider rate budget
// held by the runner.
type Orchestrator struct {
	store     repository.Store
	cache     cache.Cache
	events    broadcast.Broadcaster
	providers ai.Resolver
	runner    *ai.Runner
	jobs      JobQueue
	locks     *lock.KeyLock
	now       func() time.Time
	settings  Settings
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, settings Settings) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory(deps.Clock)
	}
	if deps.Events == nil {
		deps.Events = broadcast.NewFanout()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewKeyLock()
	}
	if deps.Runner == nil {
		deps.Runner = ai.NewRunner(ai.DefaultRetryPolicy(), nil, nil)
	}
	if settings.LockTimeout <= 0 {
		settings.LockTimeout = DefaultSettings().LockTimeout
	}
	if settings.StuckThreshold <= 0 {
		settings.StuckThreshold = DefaultSettings().StuckThreshold
	}
	return &Orchestrator{
		store:     deps.Store,
		cache:     deps.Cache,
		events:    deps.Events,
		providers: deps.Providers,
		runner:    deps.Runner,
		jobs:      deps.Jobs,
		locks:     deps.Locks,
		now:       deps.Clock,
		settings:  settings,
	}
}

type announcement struct {
	typ     model.EventType
	payload any
}

// txn is one serialized change to a session. Events and after-commit hooks run
// only once the transaction has committed.
type txn struct {
	repository.Store
	ctx     context.Context
	session *model.Session
	now     time.Time
	dirty   bool
	events  []announcement
	saved   []func() error
	after   []func(ctx context.Context)
}

// save marks the session for writing.
func (t *txn) save() { t.dirty = true }

func (t *txn) emit(typ model.EventType, payload any) {
	t.events = append(t.events, announcement{typ: typ, payload: payload})
}

// onSaved registers fn to run inside the transaction after the session is written.
func (t *txn) onSaved(fn func() error) { t.saved = append(t.saved, fn) }

func (t *txn) afterCommit(fn func(ctx context.Context)) { t.after = append(t.after, fn) }

// withSession runs fn under the session's exclusive lock inside one store transaction.
func (o *Orchestrator) withSession(ctx context.Context, op, sessionID string, fn func(t *txn) error) (*model.Session, error) {
	var t *txn
	err := o.locks.WithLockContext(ctx, lock.SessionKey(sessionID), o.settings.LockTimeout, func() error {
		return o.store.InTx(ctx, func(tx repository.Store) error {
			s, err := tx.GetSession(ctx, sessionID)
			if err != nil {
				return storeErr(op, "", err)
			}
			t = &txn{Store: tx, ctx: ctx, session: s, now: o.now()}
			if err := fn(t); err != nil {
				return err
			}
			if t.dirty {
				s.UpdatedAt = t.now
				if err := tx.UpdateSession(ctx, s); err != nil {
					return storeErr(op, s.Phase, err)
				}
			}
			for _, hook := range t.saved {
				if err := hook(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, fmt.Errorf("%s: session %s is busy: %w", op, sessionID, err)
		}
		return nil, err
	}
	o.commit(ctx, t)
	return t.session, nil
}

func (o *Orchestrator) commit(ctx context.Context, t *txn) {
	for _, fn := range t.after {
		fn(ctx)
	}
	for _, a := range t.events {
		o.publish(ctx, model.NewEvent(a.typ, t.session, a.payload, t.now))
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev model.Event) {
	if err := o.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("session_id", ev.SessionID).
			Str("event", string(ev.Type)).
			Msg("Failed to publish event")
	}
}

func (o *Orchestrator) deadline(now time.Time) *time.Time {
	if o.settings.DecisionDuration <= 0 {
		return nil
	}
	d := now.Add(o.settings.DecisionDuration)
	return &d
}

func requireOperator(op string, s *model.Session, actorID string) error {
	if !s.IsOperator(actorID) {
		return invalid(op, ErrNotOperator)
	}
	return nil
}

func storeErr(op string, phase model.Phase, err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return invalid(op, ErrSessionNotFound)
	case errors.Is(err, repository.ErrVersionConflict):
		return inconsistent(op, phase, ErrVersionConflict)
	case errors.Is(err, repository.ErrRoomBusy):
		return invalid(op, ErrRoomBusy)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func transitionErr(op string, phase model.Phase, err error) error {
	switch {
	case errors.Is(err, round.ErrNotPermitted):
		return invalid(op, ErrNotOperator)
	case errors.Is(err, round.ErrFinished):
		return inconsistent(op, phase, ErrGameFinished)
	default:
		return inconsistent(op, phase, fmt.Errorf("%w: %v", ErrWrongPhase, err))
	}
}

type stageChange struct {
	From   model.Phase          `json:"from"`
	To     model.Phase          `json:"to"`
	Action model.RecoveryAction `json:"action,omitempty"`
}

type roundChange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// CreateSessionParams describes a new match.
type CreateSessionParams struct {
	RoomID       string
	OperatorID   string
	Participants []string
	TotalRounds  *int
	AIConfig     *model.AIConfig
	RuleText     string
	Setup        *model.Setup
}

// CreateSession opens round 1 of a new match in the decision phase.
func (o *Orchestrator) CreateSession(ctx context.Context, p CreateSessionParams) (*model.Session, error) {
	const op = "create session"

	if strings.TrimSpace(p.RoomID) == "" || strings.TrimSpace(p.OperatorID) == "" {
		return nil, invalid(op, fmt.Errorf("%w: room and operator are required", ErrInvalidSetup))
	}
	if p.TotalRounds != nil && *p.TotalRounds < 1 {
		return nil, invalid(op, fmt.Errorf("%w: total rounds must be at least 1", ErrInvalidSetup))
	}
	participants := dedup(p.Participants)
	if len(participants) == 0 {
		return nil, invalid(op, fmt.Errorf("%w: at least one participant is required", ErrInvalidSetup))
	}

	setup := model.Setup{StartingBalance: o.settings.StartingBalance}
	if p.Setup != nil {
		setup = *p.Setup
	}
	for attr, b := range setup.Bounds {
		if b.Min > b.Max {
			return nil, invalid(op, fmt.Errorf("%w: bounds of %s are inverted", ErrInvalidSetup, attr))
		}
	}

	now := o.now()
	init := round.Initial(p.TotalRounds)
	s := &model.Session{
		ID:               uuid.NewString(),
		RoomID:           p.RoomID,
		OperatorID:       p.OperatorID,
		Participants:     participants,
		CurrentRound:     init.Round,
		Phase:            init.Phase,
		DecisionDeadline: o.deadline(now),
		TotalRounds:      p.TotalRounds,
		Status:           model.StatusActive,
		GameState:        &model.DecisionPhaseState{Board: model.NewBoard(setup, participants)},
		AIConfig:         p.AIConfig,
		RuleText:         p.RuleText,
		CreatedAt:        now,
	}
	if err := o.store.CreateSession(ctx, s); err != nil {
		return nil, storeErr(op, "", err)
	}

	log.Info().
		Str("session_id", s.ID).
		Str("room_id", s.RoomID).
		Int("participants", len(participants)).
		Msg("Session created")
	o.publish(ctx, model.NewEvent(model.EventRoundStageChanged, s, stageChange{To: s.Phase}, now))
	return s, nil
}

// GetSession returns a session by id.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr("get session", "", err)
	}
	return s, nil
}

// ActiveSession returns the active session of a room.
func (o *Orchestrator) ActiveSession(ctx context.Context, roomID string) (*model.Session, error) {
	s, err := o.store.GetActiveSessionByRoom(ctx, roomID)
	if err != nil {
		return nil, storeErr("get active session", "", err)
	}
	return s, nil
}

// Join adds a participant while the first round is still collecting decisions.
func (o *Orchestrator) Join(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	const op = "join"
	return o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		if s.Phase != model.PhaseDecision || s.CurrentRound != 1 {
			return invalid(op, ErrWrongPhase)
		}
		if s.IsParticipant(userID) {
			return nil
		}
		board := model.BoardOf(s.GameState)
		s.Participants = append(s.Participants, userID)
		joined := model.NewBoard(board.Setup, []string{userID})
		board.Players[userID] = joined.Players[userID]
		t.save()
		return nil
	})
}

// AdvanceRound leaves the result phase: it opens the next round's decision phase,
// or finishes the game after the last round.
func (o *Orchestrator) AdvanceRound(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	const op = "advance round"
	return o.withSession(ctx, op, sessionID, func(t *txn) error {
		if err := requireOperator(op, t.session, actorID); err != nil {
			return err
		}
		next, err := round.Apply(round.FromSession(t.session), round.TriggerAdvance, round.ActorOperator)
		if err != nil {
			return transitionErr(op, t.session.Phase, err)
		}
		return o.enter(t, next)
	})
}

// FinishGame ends the match from the result phase regardless of remaining rounds.
func (o *Orchestrator) FinishGame(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	const op = "finish game"
	return o.withSession(ctx, op, sessionID, func(t *txn) error {
		if err := requireOperator(op, t.session, actorID); err != nil {
			return err
		}
		next, err := round.Apply(round.FromSession(t.session), round.TriggerFinish, round.ActorOperator)
		if err != nil {
			return transitionErr(op, t.session.Phase, err)
		}
		return o.enter(t, next)
	})
}

// enter moves the session to next, which is either a new round's decision phase or
// finished. Single-round modifiers of the rounds left behind are stamped completed.
func (o *Orchestrator) enter(t *txn, next round.State) error {
	s := t.session
	from := round.FromSession(s)

	mods, err := t.ListModifiers(t.ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to list modifiers: %w", err)
	}
	for _, m := range modifier.NewEngine(mods, s.CurrentRound).ExpireSingleRound(s.CurrentRound+1, t.now) {
		if err := t.UpdateModifier(t.ctx, m); err != nil {
			return fmt.Errorf("failed to expire modifier: %w", err)
		}
		t.emit(model.EventModifierCompleted, m)
	}

	s.Phase = next.Phase
	switch next.Phase {
	case model.PhaseFinished:
		s.Status = model.StatusFinished
		s.DecisionDeadline = nil
		if s.GameState.Kind() != model.StateResult {
			s.GameState = model.ToResultState(s.GameState, nil)
		}
		t.emit(model.EventGameFinished, Standings(s))
	case model.PhaseDecision:
		s.CurrentRound = next.Round
		s.DecisionDeadline = o.deadline(t.now)
		s.GameState = model.ToDecisionState(s.GameState)
		t.emit(model.EventRoundChanged, roundChange{From: from.Round, To: next.Round})
	default:
		return fmt.Errorf("unexpected target phase %s", next.Phase)
	}
	t.emit(model.EventRoundStageChanged, stageChange{From: from.Phase, To: next.Phase})
	t.save()

	log.Info().
		Str("session_id", s.ID).
		Int("round", s.CurrentRound).
		Str("phase", string(s.Phase)).
		Msg("Session advanced")
	return nil
}

func dedup(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
