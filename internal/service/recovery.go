package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizsim/internal/game/round"
	"bizsim/internal/model"
	"bizsim/internal/repository"
)

// DetectAnomalies reports the deviations of a session from normal progression. It
// only reads; nothing is ever repaired here.
func (o *Orchestrator) DetectAnomalies(ctx context.Context, sessionID string) ([]model.Anomaly, error) {
	const op = "detect anomalies"

	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	now := o.now()
	anomalies := []model.Anomaly{}

	switch s.Phase {
	case model.PhaseInference:
		if stalled := now.Sub(s.UpdatedAt); stalled > o.settings.StuckThreshold {
			details := map[string]any{"stalled_seconds": int(stalled.Seconds())}
			if task, err := o.store.GetPendingTask(ctx, s.ID, s.CurrentRound); err == nil {
				details["task_id"] = task.ID
			}
			anomalies = append(anomalies, model.Anomaly{
				Kind:       model.AnomalyInferenceTimeout,
				Round:      s.CurrentRound,
				Message:    fmt.Sprintf("inference running for %s, threshold %s", stalled.Round(time.Second), o.settings.StuckThreshold),
				Suggested:  model.RecoverRetryInference,
				Details:    details,
				DetectedAt: now,
			})
		}
	case model.PhaseDecision:
		if s.DeadlinePassed(now) {
			n, err := o.store.CountDecisions(ctx, s.ID, s.CurrentRound)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			if n == 0 {
				anomalies = append(anomalies, model.Anomaly{
					Kind:       model.AnomalyNoDecisions,
					Round:      s.CurrentRound,
					Message:    "decision deadline passed without any submission",
					Suggested:  model.RecoverSkipRound,
					Details:    map[string]any{"deadline": s.DecisionDeadline},
					DetectedAt: now,
				})
			}
		}
	case model.PhaseResult:
		task, err := o.store.LatestTask(ctx, s.ID, s.CurrentRound)
		if err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if task == nil || task.Status != model.TaskCompleted || task.Result == nil {
			anomalies = append(anomalies, model.Anomaly{
				Kind:       model.AnomalyMissingResult,
				Round:      s.CurrentRound,
				Message:    "result phase without a persisted round result",
				Suggested:  model.RecoverSkipRound,
				DetectedAt: now,
			})
		}
	}

	mods, err := o.store.ListModifiers(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, v := range violations(model.BoardOf(s.GameState), mods) {
		anomalies = append(anomalies, model.Anomaly{
			Kind:       model.AnomalyDataInconsistency,
			Round:      s.CurrentRound,
			Message:    v.String(),
			Suggested:  model.RecoverFixData,
			Details:    map[string]any{"subject": v.Subject, "field": v.Field, "value": v.Value},
			DetectedAt: now,
		})
	}
	return anomalies, nil
}

// violation is one broken derived invariant.
type violation struct {
	Subject string
	Field   string
	Value   float64
	Bounds  *model.Bounds
}

func (v violation) String() string {
	if v.Bounds != nil {
		return fmt.Sprintf("%s: %s=%g outside [%g, %g]", v.Subject, v.Field, v.Value, v.Bounds.Min, v.Bounds.Max)
	}
	if v.Field == model.AttrBalance {
		return fmt.Sprintf("%s: balance %g is negative but not flagged bankrupt", v.Subject, v.Value)
	}
	return fmt.Sprintf("%s: %s=%g is invalid", v.Subject, v.Field, v.Value)
}

func violations(board *model.Board, mods []*model.Modifier) []violation {
	var out []violation
	if board != nil {
		ids := make([]string, 0, len(board.Players))
		for id := range board.Players {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := board.Players[id]
			if p.Balance < 0 && !p.Bankrupt {
				out = append(out, violation{Subject: id, Field: model.AttrBalance, Value: p.Balance})
			}
			attrs := make([]string, 0, len(p.Attributes))
			for attr := range p.Attributes {
				attrs = append(attrs, attr)
			}
			sort.Strings(attrs)
			for _, attr := range attrs {
				b, ok := board.Setup.Bounds[attr]
				if ok && !b.Contains(p.Attributes[attr]) {
					out = append(out, violation{Subject: id, Field: attr, Value: p.Attributes[attr], Bounds: &b})
				}
			}
		}
	}
	for _, m := range mods {
		if m.Progress != nil && m.Progress.Current > m.Progress.Total {
			out = append(out, violation{Subject: "modifier " + m.ID, Field: "progress", Value: float64(m.Progress.Current)})
		}
	}
	return out
}

// RecoveryReport describes what a remediation changed.
type RecoveryReport struct {
	Action           model.RecoveryAction `json:"action"`
	Session          *model.Session       `json:"session"`
	InvalidatedTasks []string             `json:"invalidated_tasks,omitempty"`
	DeletedDecisions int                  `json:"deleted_decisions,omitempty"`
	SnapshotID       string               `json:"snapshot_id,omitempty"`
	Repairs          []string             `json:"repairs,omitempty"`
}

// ExecuteRecovery applies one operator remediation to a session.
func (o *Orchestrator) ExecuteRecovery(ctx context.Context, sessionID, actorID string, action model.RecoveryAction) (*RecoveryReport, error) {
	op := "recovery " + string(action)

	report := &RecoveryReport{Action: action}
	s, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		if err := requireOperator(op, t.session, actorID); err != nil {
			return err
		}
		switch action {
		case model.RecoverRetryInference:
			return o.retryInference(t, op, report)
		case model.RecoverSkipRound:
			return o.skipRound(t, op, report, true)
		case model.RecoverForceNextRound:
			return o.skipRound(t, op, report, false)
		case model.RecoverRollbackRound:
			return o.rollbackRound(t, op, report)
		case model.RecoverResetDecision:
			return o.resetToDecision(t, op, report)
		case model.RecoverFixData:
			return o.fixData(t, report)
		default:
			return invalid(op, fmt.Errorf("%w: %q", ErrUnknownAction, action))
		}
	})
	if err != nil {
		return nil, err
	}
	report.Session = s

	log.Info().
		Str("session_id", sessionID).
		Str("action", string(action)).
		Int("round", s.CurrentRound).
		Str("phase", string(s.Phase)).
		Msg("Recovery action executed")
	return report, nil
}

func (o *Orchestrator) retryInference(t *txn, op string, report *RecoveryReport) error {
	s := t.session
	next, err := round.ForceReview(round.FromSession(s))
	if err != nil {
		return transitionErr(op, s.Phase, err)
	}
	ids, err := o.invalidatePending(t, s.CurrentRound, string(model.RecoverRetryInference))
	if err != nil {
		return err
	}
	report.InvalidatedTasks = ids

	s.Phase = next.Phase
	t.save()
	t.emit(model.EventRoundStageChanged, stageChange{From: model.PhaseInference, To: next.Phase, Action: model.RecoverRetryInference})
	return nil
}

// skipRound leaves the current round for the next one, or finishes the game after the
// last round. With placeholder set, an empty result is recorded for the skipped round.
func (o *Orchestrator) skipRound(t *txn, op string, report *RecoveryReport, placeholder bool) error {
	s := t.session
	action := model.RecoverForceNextRound
	if placeholder {
		action = model.RecoverSkipRound
	}
	next, err := round.ForceNextRound(round.FromSession(s))
	if err != nil {
		return transitionErr(op, s.Phase, err)
	}
	ids, err := o.invalidatePending(t, s.CurrentRound, string(action))
	if err != nil {
		return err
	}
	report.InvalidatedTasks = ids

	// A round that already reached its result keeps it; only unfinished rounds get a placeholder.
	if placeholder && s.Phase != model.PhaseResult {
		res := &model.RoundResult{
			Round:       s.CurrentRound,
			Narrative:   "Round skipped by the operator.",
			Ranking:     rankByBalance(model.BoardOf(s.GameState), s.Participants),
			Placeholder: true,
		}
		task := &model.InferenceTask{
			ID:          uuid.NewString(),
			SessionID:   s.ID,
			Round:       s.CurrentRound,
			Status:      model.TaskCompleted,
			Result:      res,
			CreatedAt:   t.now,
			UpdatedAt:   t.now,
			CompletedAt: &t.now,
		}
		if err := t.CreateTask(t.ctx, task); err != nil {
			return fmt.Errorf("failed to record placeholder result: %w", err)
		}
		s.GameState = model.ToResultState(s.GameState, res)
		t.afterCommit(func(ctx context.Context) { o.cacheResult(ctx, s.ID, res) })
	}
	return o.enter(t, next)
}

// rollbackRound restores the latest snapshot of an earlier round and leaves the
// session in that round's result phase, or in its open phase when the snapshot
// predates the round's result.
func (o *Orchestrator) rollbackRound(t *txn, op string, report *RecoveryReport) error {
	s := t.session
	if s.Phase == model.PhaseFinished {
		return inconsistent(op, s.Phase, ErrGameFinished)
	}
	rolledBack := s.CurrentRound
	snap, err := t.LatestSnapshotBefore(t.ctx, s.ID, rolledBack)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			return invalid(op, ErrNoSnapshot)
		}
		return fmt.Errorf("failed to find snapshot: %w", err)
	}

	target, err := round.ForceResult(round.FromSession(s), snap.Round)
	if err != nil {
		return transitionErr(op, s.Phase, err)
	}

	deleted, err := t.DeleteDecisions(t.ctx, s.ID, rolledBack)
	if err != nil {
		return fmt.Errorf("failed to discard decisions: %w", err)
	}
	if err := o.restore(t, snap, model.RecoverRollbackRound); err != nil {
		return &RestoreError{SnapshotID: snap.ID, Err: err}
	}

	// A snapshot taken before its round committed reopens that round where it was.
	s.Status = model.StatusActive
	switch s.Phase {
	case model.PhaseResult, model.PhaseFinished:
		s.CurrentRound = target.Round
		s.Phase = target.Phase
		s.DecisionDeadline = nil
	case model.PhaseDecision:
		s.DecisionDeadline = o.deadline(t.now)
	}

	report.DeletedDecisions = deleted
	report.SnapshotID = snap.ID
	t.emit(model.EventGameRestored, restored{SnapshotID: snap.ID, Round: snap.Round, Action: model.RecoverRollbackRound})
	t.emit(model.EventRoundChanged, roundChange{From: rolledBack, To: s.CurrentRound})
	return nil
}

// resetToDecision reopens the current round's decision phase. Decisions and
// modifiers are kept; an in-flight inference is invalidated.
func (o *Orchestrator) resetToDecision(t *txn, op string, report *RecoveryReport) error {
	s := t.session
	from := s.Phase
	next, err := round.ForceDecision(round.FromSession(s))
	if err != nil {
		return transitionErr(op, s.Phase, err)
	}
	if from == model.PhaseInference {
		ids, err := o.invalidatePending(t, s.CurrentRound, string(model.RecoverResetDecision))
		if err != nil {
			return err
		}
		report.InvalidatedTasks = ids
	}

	s.Phase = next.Phase
	s.DecisionDeadline = o.deadline(t.now)
	s.GameState = model.ToDecisionState(s.GameState)
	t.save()
	t.emit(model.EventRoundStageChanged, stageChange{From: from, To: next.Phase, Action: model.RecoverResetDecision})
	return nil
}

// fixData repairs broken invariants in place: negative balances are flagged bankrupt,
// attributes are clamped to their bounds and overrun progress is capped. Round and
// phase are unchanged.
func (o *Orchestrator) fixData(t *txn, report *RecoveryReport) error {
	s := t.session
	board := model.BoardOf(s.GameState)
	mods, err := t.ListModifiers(t.ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to list modifiers: %w", err)
	}

	found := violations(board, mods)
	for _, v := range found {
		report.Repairs = append(report.Repairs, v.String())
		switch {
		case v.Bounds != nil:
			board.Players[v.Subject].Attributes[v.Field] = v.Bounds.Clamp(v.Value)
		case v.Field == model.AttrBalance:
			board.Players[v.Subject].Bankrupt = true
		}
	}
	for _, m := range mods {
		if m.Progress != nil && m.Progress.Current > m.Progress.Total {
			m.Progress.Current = m.Progress.Total
			if m.CompletedAt == nil {
				m.CompletedAt = &t.now
			}
			if err := t.UpdateModifier(t.ctx, m); err != nil {
				return fmt.Errorf("failed to repair modifier: %w", err)
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	t.save()
	t.emit(model.EventGameRestored, map[string]any{"action": model.RecoverFixData, "repairs": report.Repairs})
	return nil
}
