package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"bizsim/internal/game/modifier"
	"bizsim/internal/model"
	"bizsim/internal/repository"
)

// AddTemporaryEvent creates a single_round or multi_round modifier. The source
// defaults to event.
func (o *Orchestrator) AddTemporaryEvent(ctx context.Context, sessionID, actorID string, spec modifier.Spec) (*model.Modifier, error) {
	if spec.Kind == "" {
		spec.Kind = model.ModifierSingleRound
	}
	if spec.Kind == model.ModifierRule {
		return nil, invalid("add temporary event", fmt.Errorf("%w: use a rule for kind %s", ErrInvalidModifier, spec.Kind))
	}
	if spec.SourceKind == "" {
		spec.SourceKind = model.SourceEvent
	}
	return o.addModifier(ctx, "add temporary event", sessionID, actorID, spec)
}

// AddTemporaryRule creates a rule modifier lasting spec.EffectiveRounds inferences.
func (o *Orchestrator) AddTemporaryRule(ctx context.Context, sessionID, actorID string, spec modifier.Spec) (*model.Modifier, error) {
	spec.Kind = model.ModifierRule
	if spec.SourceKind == "" {
		spec.SourceKind = model.SourceEvent
	}
	return o.addModifier(ctx, "add temporary rule", sessionID, actorID, spec)
}

func (o *Orchestrator) addModifier(ctx context.Context, op, sessionID, actorID string, spec modifier.Spec) (*model.Modifier, error) {
	var created *model.Modifier
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		if err := requireOperator(op, s, actorID); err != nil {
			return err
		}
		if s.Phase != model.PhaseReview {
			return invalid(op, fmt.Errorf("%w: modifiers are added during review, session is in %s", ErrWrongPhase, s.Phase))
		}
		m, err := modifier.New(s.ID, s.CurrentRound, spec, t.now)
		if err != nil {
			return invalid(op, fmt.Errorf("%w: %v", ErrInvalidModifier, err))
		}
		if err := t.CreateModifier(t.ctx, m); err != nil {
			return fmt.Errorf("failed to create modifier: %w", err)
		}
		created = m
		t.emit(model.EventModifierProgress, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", sessionID).
		Str("modifier_id", created.ID).
		Str("kind", string(created.Kind)).
		Msg("Modifier added")
	return created, nil
}

// UpdateModifierProgress sets a tracked modifier's progress by hand. Reaching the
// total completes it for good.
func (o *Orchestrator) UpdateModifierProgress(ctx context.Context, sessionID, actorID, modifierID string, current int) (*model.Modifier, error) {
	const op = "update modifier progress"

	var updated *model.Modifier
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		if err := requireOperator(op, s, actorID); err != nil {
			return err
		}
		if s.Phase == model.PhaseFinished {
			return inconsistent(op, s.Phase, ErrGameFinished)
		}
		m, err := t.GetModifier(t.ctx, modifierID)
		if err != nil {
			if errors.Is(err, repository.ErrModifierNotFound) {
				return invalid(op, ErrModifierNotFound)
			}
			return fmt.Errorf("failed to load modifier: %w", err)
		}
		if m.SessionID != s.ID {
			return invalid(op, ErrModifierNotFound)
		}
		if !m.Kind.Tracked() || m.Progress == nil {
			return invalid(op, modifier.ErrNotTracked)
		}
		if m.CompletedAt != nil {
			return invalid(op, modifier.ErrAlreadyCompleted)
		}
		if current < 0 || current > m.Progress.Total {
			return invalid(op, fmt.Errorf("%w: %d not in [0, %d]", ErrProgressRange, current, m.Progress.Total))
		}

		m.Progress.Current = current
		if current == m.Progress.Total {
			m.CompletedAt = &t.now
		}
		if err := t.UpdateModifier(t.ctx, m); err != nil {
			return fmt.Errorf("failed to update modifier: %w", err)
		}
		t.emit(model.EventModifierProgress, m)
		if m.CompletedAt != nil {
			t.emit(model.EventModifierCompleted, m)
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListModifiers returns a session's modifiers, or only those active in the current
// round when activeOnly is set.
func (o *Orchestrator) ListModifiers(ctx context.Context, sessionID string, activeOnly bool) ([]*model.Modifier, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr("list modifiers", "", err)
	}
	mods, err := o.store.ListModifiers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list modifiers: %w", err)
	}
	if !activeOnly {
		return mods, nil
	}
	return modifier.NewEngine(mods, s.CurrentRound).Active(), nil
}
