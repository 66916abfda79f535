package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizsim/internal/cache"
	"bizsim/internal/game/round"
	"bizsim/internal/model"
	"bizsim/internal/repository"
)

// ErrSnapshotMismatch means a snapshot does not belong to the session it is applied to.
var ErrSnapshotMismatch = errors.New("snapshot does not match session")

type restored struct {
	SnapshotID string               `json:"snapshot_id"`
	Round      int                  `json:"round"`
	Action     model.RecoveryAction `json:"action,omitempty"`
}

// CreateSnapshot captures the session with all its decisions and modifiers.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, sessionID, actorID string) (*model.Snapshot, error) {
	const op = "create snapshot"

	var snap *model.Snapshot
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		if err := requireOperator(op, t.session, actorID); err != nil {
			return err
		}
		var err error
		snap, err = o.capture(t, model.SnapshotManual)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns a session's snapshots, newest first.
func (o *Orchestrator) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	snaps, err := o.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

func (o *Orchestrator) snapshot(t *txn, reason model.SnapshotReason) error {
	_, err := o.capture(t, reason)
	return err
}

func (o *Orchestrator) capture(t *txn, reason model.SnapshotReason) (*model.Snapshot, error) {
	s := t.session
	decisions, err := t.ListAllDecisions(t.ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}
	mods, err := t.ListModifiers(t.ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read modifiers: %w", err)
	}
	snap := &model.Snapshot{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Round:     s.CurrentRound,
		Reason:    reason,
		Payload: model.SnapshotPayload{
			Session:   s.Clone(),
			Decisions: decisions,
			Modifiers: mods,
		},
		CreatedAt: t.now,
	}
	if err := t.CreateSnapshot(t.ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}
	return snap, nil
}

// RestoreSnapshot replaces the live session, its decisions and its modifiers with a
// snapshot. Any failure leaves the live session untouched.
func (o *Orchestrator) RestoreSnapshot(ctx context.Context, actorID, snapshotID string) (*model.Session, error) {
	const op = "restore snapshot"

	snap, err := o.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			return nil, &RestoreError{SnapshotID: snapshotID, Err: ErrNoSnapshot}
		}
		return nil, &RestoreError{SnapshotID: snapshotID, Err: err}
	}

	s, err := o.withSession(ctx, op, snap.SessionID, func(t *txn) error {
		if err := requireOperator(op, t.session, actorID); err != nil {
			return err
		}
		if err := o.restore(t, snap, ""); err != nil {
			return &RestoreError{SnapshotID: snapshotID, Err: err}
		}
		t.emit(model.EventGameRestored, restored{SnapshotID: snap.ID, Round: snap.Round})
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("session_id", s.ID).Str("snapshot_id", snapshotID).Int("round", s.CurrentRound).Msg("Snapshot restored")
	return s, nil
}

// restore applies snap to the session held by t. The version keeps counting up from
// the live session. Tasks and cached results of rounds the snapshot predates are
// invalidated.
func (o *Orchestrator) restore(t *txn, snap *model.Snapshot, action model.RecoveryAction) error {
	live := t.session
	src := snap.Payload.Session
	if src == nil || src.ID != live.ID || snap.SessionID != live.ID {
		return ErrSnapshotMismatch
	}
	if err := model.ValidateStateForPhase(src.Phase, src.GameState); err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}

	next := src.Clone()
	next.Version = live.Version
	next.CreatedAt = live.CreatedAt
	if next.Phase == model.PhaseInference {
		state, err := round.ForceReview(round.FromSession(next))
		if err != nil {
			return err
		}
		next.Phase = state.Phase
	}

	firstStale := next.CurrentRound + 1
	if next.Phase != model.PhaseResult && next.Phase != model.PhaseFinished {
		firstStale = next.CurrentRound
	}
	reason := action
	if reason == "" {
		reason = "restore"
	}
	var stale []int
	for r := firstStale; r <= live.CurrentRound; r++ {
		if err := o.invalidateRound(t, r, string(reason)); err != nil {
			return err
		}
		stale = append(stale, r)
	}

	if err := t.ReplaceDecisions(t.ctx, live.ID, snap.Payload.Decisions); err != nil {
		return fmt.Errorf("failed to restore decisions: %w", err)
	}
	if err := t.ReplaceModifiers(t.ctx, live.ID, snap.Payload.Modifiers); err != nil {
		return fmt.Errorf("failed to restore modifiers: %w", err)
	}

	*live = *next
	t.save()
	t.afterCommit(func(ctx context.Context) {
		for _, r := range stale {
			keys := []string{cache.ResultKey(live.ID, r), cache.InFlightKey(live.ID, r)}
			if err := o.cache.Delete(ctx, keys...); err != nil {
				log.Warn().Err(err).Str("session_id", live.ID).Msg("Failed to drop cached round state")
			}
		}
	})
	return nil
}

// invalidateRound marks the latest task of a round invalidated unless it already is.
func (o *Orchestrator) invalidateRound(t *txn, roundNo int, reason string) error {
	task, err := t.LatestTask(t.ctx, t.session.ID, roundNo)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status == model.TaskInvalidated {
		return nil
	}
	return o.invalidate(t, task, reason)
}

// invalidatePending invalidates the round's pending task, if any, and returns its id.
func (o *Orchestrator) invalidatePending(t *txn, roundNo int, reason string) ([]string, error) {
	task, err := t.GetPendingTask(t.ctx, t.session.ID, roundNo)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load pending task: %w", err)
	}
	if err := o.invalidate(t, task, reason); err != nil {
		return nil, err
	}
	sessionID := t.session.ID
	t.afterCommit(func(ctx context.Context) { o.releaseInFlight(ctx, sessionID, roundNo, task.ID) })
	return []string{task.ID}, nil
}

func (o *Orchestrator) invalidate(t *txn, task *model.InferenceTask, reason string) error {
	task.Status = model.TaskInvalidated
	task.Error = "invalidated by " + reason
	task.UpdatedAt = t.now
	if err := t.UpdateTask(t.ctx, task); err != nil {
		return fmt.Errorf("failed to invalidate task: %w", err)
	}
	log.Info().
		Str("session_id", task.SessionID).
		Int("round", task.Round).
		Str("task_id", task.ID).
		Str("reason", reason).
		Msg("Inference task invalidated")
	return nil
}
