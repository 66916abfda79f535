package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"bizsim/internal/game/round"
	"bizsim/internal/model"
	"bizsim/internal/pkg/lock"
	"bizsim/internal/repository"
)

// SubmitParams is one decision submission. UserID defaults to ActorID; an operator
// may submit for any participant.
type SubmitParams struct {
	SessionID string
	ActorID   string
	UserID    string
	Round     int
	Payload   model.DecisionPayload
}

type decisionSubmitted struct {
	UserID      string `json:"user_id"`
	SubmittedBy string `json:"submitted_by"`
	Count       int    `json:"count"`
}

// SubmitDecision records or overwrites a participant's decision for the current round.
// Writes for distinct users proceed in parallel: the session lock is only shared, and
// each (session, user, round) entry has its own exclusive lock.
func (o *Orchestrator) SubmitDecision(ctx context.Context, p SubmitParams) (*model.Decision, error) {
	const op = "submit decision"

	if p.UserID == "" {
		p.UserID = p.ActorID
	}

	o.locks.RLock(lock.SessionKey(p.SessionID))
	defer o.locks.RUnlock(lock.SessionKey(p.SessionID))

	key := lock.DecisionKey(p.SessionID, p.UserID, p.Round)
	o.locks.Lock(key)
	defer o.locks.Unlock(key)

	s, err := o.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	now := o.now()
	operator := s.IsOperator(p.ActorID)

	switch {
	case !s.IsParticipant(p.UserID):
		return nil, invalid(op, ErrNotParticipant)
	case p.ActorID != p.UserID && !operator:
		return nil, invalid(op, ErrNotOperator)
	case s.Phase != model.PhaseDecision:
		return nil, invalid(op, fmt.Errorf("%w: session is in %s", ErrWrongPhase, s.Phase))
	case p.Round != s.CurrentRound:
		return nil, invalid(op, fmt.Errorf("%w: got %d, current is %d", ErrWrongRound, p.Round, s.CurrentRound))
	case p.Payload.Empty():
		return nil, invalid(op, ErrEmptyDecision)
	case s.DeadlinePassed(now) && !operator:
		return nil, invalid(op, ErrDeadlinePassed)
	}

	d := &model.Decision{
		SessionID:   s.ID,
		UserID:      p.UserID,
		Round:       p.Round,
		Payload:     p.Payload,
		Status:      model.DecisionSubmitted,
		SubmittedBy: p.ActorID,
		SubmittedAt: now,
	}
	if err := o.store.UpsertDecision(ctx, d); err != nil {
		if errors.Is(err, repository.ErrRoundClosed) {
			return nil, invalid(op, ErrWrongPhase)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	count, err := o.store.CountDecisions(ctx, s.ID, p.Round)
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to count decisions")
	}
	o.publish(ctx, model.NewEvent(model.EventDecisionSubmitted, s, decisionSubmitted{
		UserID:      d.UserID,
		SubmittedBy: d.SubmittedBy,
		Count:       count,
	}, now))
	return d, nil
}

// ListDecisions returns a round's decisions ordered by submission time.
func (o *Orchestrator) ListDecisions(ctx context.Context, sessionID string, round int) ([]*model.Decision, error) {
	decisions, err := o.store.ListDecisions(ctx, sessionID, round)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return decisions, nil
}

// StartReview closes the decision phase and locks the round's decisions.
// Pending trades lapse, since trades only settle while decisions are open.
func (o *Orchestrator) StartReview(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	const op = "start review"
	return o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		if err := requireOperator(op, s, actorID); err != nil {
			return err
		}
		next, err := round.Apply(round.FromSession(s), round.TriggerStartReview, round.ActorOperator)
		if err != nil {
			return transitionErr(op, s.Phase, err)
		}

		n, err := t.MarkDecisionsReviewed(t.ctx, s.ID, s.CurrentRound)
		if err != nil {
			return fmt.Errorf("failed to lock decisions: %w", err)
		}
		if err := o.expireTrades(t, true); err != nil {
			return err
		}

		s.Phase = next.Phase
		s.DecisionDeadline = nil
		s.GameState = model.ToReviewState(s.GameState, t.now, n)
		t.save()
		t.emit(model.EventRoundStageChanged, stageChange{From: model.PhaseDecision, To: next.Phase})
		return nil
	})
}
