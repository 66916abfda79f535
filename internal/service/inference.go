package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizsim/internal/ai"
	"bizsim/internal/cache"
	"bizsim/internal/game/modifier"
	"bizsim/internal/game/round"
	"bizsim/internal/model"
	"bizsim/internal/pkg/lock"
	"bizsim/internal/pkg/worker"
	"bizsim/internal/repository"
)

type inferenceStarted struct {
	TaskID      string `json:"task_id"`
	MaxAttempts int    `json:"max_attempts"`
}

type inferenceProgress struct {
	TaskID      string  `json:"task_id"`
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	Error       string  `json:"error"`
	RetryIn     float64 `json:"retry_in_seconds"`
}

type inferenceCompleted struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Adapter  string `json:"adapter"`
	Partial  bool   `json:"partial"`
}

type inferenceFailed struct {
	TaskID    string `json:"task_id"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
	Exhausted bool   `json:"exhausted"`
}

// SubmitToAI dispatches the current round to the session's AI provider. It returns as
// soon as the task is recorded; the call itself runs on the job queue.
func (o *Orchestrator) SubmitToAI(ctx context.Context, sessionID, actorID string) (*model.InferenceTask, error) {
	const op = "submit to AI"

	var (
		task      *model.InferenceTask
		markerSet bool
	)
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		if err := requireOperator(op, s, actorID); err != nil {
			return err
		}
		next, err := round.Apply(round.FromSession(s), round.TriggerDispatch, round.ActorOperator)
		if err != nil {
			return transitionErr(op, s.Phase, err)
		}
		if err := s.AIConfig.Usable(); err != nil {
			return invalid(op, fmt.Errorf("%w: %v", ErrAIConfig, err))
		}
		if !o.providers.Supports(s.AIConfig.Provider) {
			return invalid(op, fmt.Errorf("%w: provider %q", ErrAIConfig, s.AIConfig.Provider))
		}
		if _, err := t.GetPendingTask(t.ctx, s.ID, s.CurrentRound); err == nil {
			return invalid(op, ErrInferenceInFlight)
		} else if !errors.Is(err, repository.ErrTaskNotFound) {
			return fmt.Errorf("failed to check pending task: %w", err)
		}

		task = &model.InferenceTask{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Round:     s.CurrentRound,
			Status:    model.TaskPending,
			CreatedAt: t.now,
			UpdatedAt: t.now,
		}
		ok, err := o.claimInFlight(t, task)
		if err != nil {
			return err
		}
		if !ok {
			return invalid(op, ErrInferenceInFlight)
		}
		markerSet = true

		if err := t.CreateTask(t.ctx, task); err != nil {
			if errors.Is(err, repository.ErrTaskInFlight) {
				return invalid(op, ErrInferenceInFlight)
			}
			return fmt.Errorf("failed to create inference task: %w", err)
		}

		s.Phase = next.Phase
		t.save()

		// The job blocks on the session lock until this transaction is done, and
		// discards itself if the task did not commit.
		job := worker.Job{ID: task.ID, Name: "inference", Run: o.inferenceJob(s.ID, task.ID, task.Round)}
		if err := o.jobs.Submit(job); err != nil {
			if errors.Is(err, worker.ErrQueueFull) {
				return invalid(op, ErrQueueFull)
			}
			return fmt.Errorf("failed to queue inference: %w", err)
		}

		t.emit(model.EventRoundStageChanged, stageChange{From: model.PhaseReview, To: next.Phase})
		t.emit(model.EventInferenceStarted, inferenceStarted{TaskID: task.ID, MaxAttempts: o.runner.Policy().MaxAttempts})
		return nil
	})
	if err != nil {
		if markerSet {
			o.releaseInFlight(ctx, sessionID, task.Round, task.ID)
		}
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Int("round", task.Round).
		Str("task_id", task.ID).
		Msg("Inference dispatched")
	return task, nil
}

// claimInFlight places the round's in-flight marker. A marker left by a task that is
// no longer pending is taken over. Cache failures do not block dispatch; the store's
// pending-task guard still holds.
func (o *Orchestrator) claimInFlight(t *txn, task *model.InferenceTask) (bool, error) {
	key := cache.InFlightKey(task.SessionID, task.Round)
	ok, err := o.cache.SetNX(t.ctx, key, task.ID, o.settings.InFlightTTL)
	if err != nil {
		log.Warn().Err(err).Str("session_id", task.SessionID).Msg("Failed to set in-flight marker")
		return true, nil
	}
	if ok {
		return true, nil
	}

	holder, err := o.cache.Get(t.ctx, key)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("session_id", task.SessionID).Msg("Failed to read in-flight marker")
		return true, nil
	}
	if holder != "" {
		if prev, err := t.GetTask(t.ctx, holder); err == nil && !prev.Status.Terminal() {
			return false, nil
		}
	}
	if err := o.cache.Set(t.ctx, key, task.ID, o.settings.InFlightTTL); err != nil {
		log.Warn().Err(err).Str("session_id", task.SessionID).Msg("Failed to replace in-flight marker")
	}
	return true, nil
}

// releaseInFlight removes the marker if it still names taskID.
func (o *Orchestrator) releaseInFlight(ctx context.Context, sessionID string, round int, taskID string) {
	key := cache.InFlightKey(sessionID, round)
	holder, err := o.cache.Get(ctx, key)
	if err != nil || holder != taskID {
		return
	}
	if err := o.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to clear in-flight marker")
	}
}

// inferenceJob returns the background unit of work for one task. The task id is the
// job's identity: only the round's current pending task may commit.
func (o *Orchestrator) inferenceJob(sessionID, taskID string, roundNo int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		logger := log.With().Str("session_id", sessionID).Int("round", roundNo).Str("task_id", taskID).Logger()

		s, req, provider, err := o.prepareInference(ctx, sessionID, taskID, roundNo)
		if err != nil {
			if errors.Is(err, errOrphaned) {
				logger.Info().Msg("Inference task no longer current, skipping")
				ai.RoundOutcomes.WithLabelValues("discarded").Inc()
				return nil
			}
			return o.failInference(ctx, sessionID, taskID, roundNo, 0, err)
		}

		onAttempt := func(a ai.Attempt) {
			logger.Warn().Err(a.Err).Int("attempt", a.Number).Dur("retry_in", a.NextDelay).Msg("Inference attempt failed, retrying")
			o.publish(ctx, model.NewEvent(model.EventInferenceProgress, s, inferenceProgress{
				TaskID:      taskID,
				Attempt:     a.Number,
				MaxAttempts: a.MaxAttempts,
				Error:       a.Err.Error(),
				RetryIn:     a.NextDelay.Seconds(),
			}, o.now()))
		}

		out, err := o.runner.Run(ctx, provider, req, onAttempt)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn().Err(err).Msg("Inference interrupted by shutdown, task left pending")
				return nil
			}
			return o.failInference(ctx, sessionID, taskID, roundNo, out.Attempts, err)
		}
		return o.completeInference(ctx, sessionID, taskID, roundNo, out)
	}
}

var errOrphaned = errors.New("inference task is not current")

// current reports whether taskID is still the live inference of the session.
func current(s *model.Session, task *model.InferenceTask, roundNo int) bool {
	return s.Phase == model.PhaseInference &&
		s.CurrentRound == roundNo &&
		task.Round == roundNo &&
		!task.Status.Terminal()
}

// prepareInference reads the inference context under the shared session lock.
func (o *Orchestrator) prepareInference(ctx context.Context, sessionID, taskID string, roundNo int) (*model.Session, ai.Request, ai.Provider, error) {
	o.locks.RLock(lock.SessionKey(sessionID))
	defer o.locks.RUnlock(lock.SessionKey(sessionID))

	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ai.Request{}, nil, errOrphaned
		}
		return nil, ai.Request{}, nil, err
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, ai.Request{}, nil, errOrphaned
		}
		return nil, ai.Request{}, nil, err
	}
	if !current(s, task, roundNo) {
		return nil, ai.Request{}, nil, errOrphaned
	}

	decisions, err := o.store.ListDecisions(ctx, sessionID, roundNo)
	if err != nil {
		return nil, ai.Request{}, nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	mods, err := o.store.ListModifiers(ctx, sessionID)
	if err != nil {
		return nil, ai.Request{}, nil, fmt.Errorf("failed to list modifiers: %w", err)
	}
	previous, err := o.previousResult(ctx, sessionID, roundNo)
	if err != nil {
		return nil, ai.Request{}, nil, err
	}

	pc := ai.NewPromptContext(s, decisions, modifier.NewEngine(mods, roundNo), previous)
	req, err := ai.BuildRequest(pc, *s.AIConfig)
	if err != nil {
		return nil, ai.Request{}, nil, err
	}
	provider, err := o.providers.Resolve(s.AIConfig)
	if err != nil {
		return nil, ai.Request{}, nil, err
	}
	return s, req, provider, nil
}

func (o *Orchestrator) previousResult(ctx context.Context, sessionID string, roundNo int) (*model.RoundResult, error) {
	if roundNo <= 1 {
		return nil, nil
	}
	task, err := o.store.LatestTask(ctx, sessionID, roundNo-1)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load previous result: %w", err)
	}
	if task.Status != model.TaskCompleted {
		return nil, nil
	}
	return task.Result, nil
}

// completeInference commits a successful outcome if the task is still current.
func (o *Orchestrator) completeInference(ctx context.Context, sessionID, taskID string, roundNo int, out *ai.Outcome) error {
	const op = "complete inference"

	discarded := false
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		task, err := t.GetTask(t.ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}
		if !current(s, task, roundNo) {
			discarded = true
			return nil
		}
		next, err := round.Apply(round.FromSession(s), round.TriggerSucceed, round.ActorSystem)
		if err != nil {
			return transitionErr(op, s.Phase, err)
		}

		mods, err := t.ListModifiers(t.ctx, s.ID)
		if err != nil {
			return fmt.Errorf("failed to list modifiers: %w", err)
		}
		engine := modifier.NewEngine(mods, roundNo)

		res := out.Result
		res.Round = roundNo
		state := model.ToResultState(s.GameState, res)
		applyDeltas(&state.Board, res.Deltas, engine)
		if len(res.Ranking) == 0 {
			res.Ranking = rankByBalance(&state.Board, s.Participants)
		}

		task.Status = model.TaskCompleted
		task.Attempts = out.Attempts
		task.Result = res
		task.Error = ""
		task.UpdatedAt = t.now
		task.CompletedAt = &t.now
		if err := t.UpdateTask(t.ctx, task); err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}

		advanced, completed := engine.AdvanceAll(t.now)
		for _, m := range advanced {
			if err := t.UpdateModifier(t.ctx, m); err != nil {
				return fmt.Errorf("failed to advance modifier: %w", err)
			}
			t.emit(model.EventModifierProgress, m)
		}
		for _, m := range completed {
			t.emit(model.EventModifierCompleted, m)
		}

		s.Phase = next.Phase
		s.GameState = state
		t.save()
		t.onSaved(func() error { return o.snapshot(t, model.SnapshotAuto) })
		t.afterCommit(func(ctx context.Context) {
			o.cacheResult(ctx, s.ID, res)
			o.releaseInFlight(ctx, s.ID, roundNo, taskID)
		})
		t.emit(model.EventInferenceCompleted, inferenceCompleted{
			TaskID:   taskID,
			Attempts: out.Attempts,
			Adapter:  res.Adapter,
			Partial:  res.Partial,
		})
		t.emit(model.EventRoundStageChanged, stageChange{From: model.PhaseInference, To: next.Phase})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("task_id", taskID).Msg("Failed to commit inference result")
		return err
	}
	if discarded {
		log.Info().Str("session_id", sessionID).Int("round", roundNo).Str("task_id", taskID).
			Msg("Discarding response of orphaned inference task")
		ai.RoundOutcomes.WithLabelValues("discarded").Inc()
		return nil
	}
	ai.RoundOutcomes.WithLabelValues(string(model.TaskCompleted)).Inc()
	log.Info().Str("session_id", sessionID).Int("round", roundNo).Int("attempts", out.Attempts).Msg("Inference completed")
	return nil
}

// failInference records a terminal failure and returns the session to review.
func (o *Orchestrator) failInference(ctx context.Context, sessionID, taskID string, roundNo, attempts int, cause error) error {
	const op = "fail inference"

	discarded := false
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		s := t.session
		task, err := t.GetTask(t.ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}
		if !current(s, task, roundNo) {
			discarded = true
			return nil
		}
		next, err := round.Apply(round.FromSession(s), round.TriggerFail, round.ActorSystem)
		if err != nil {
			return transitionErr(op, s.Phase, err)
		}

		task.Status = model.TaskFailed
		task.Attempts = attempts
		task.Error = cause.Error()
		task.UpdatedAt = t.now
		task.CompletedAt = &t.now
		if err := t.UpdateTask(t.ctx, task); err != nil {
			return fmt.Errorf("failed to fail task: %w", err)
		}

		s.Phase = next.Phase
		t.save()
		t.afterCommit(func(ctx context.Context) { o.releaseInFlight(ctx, s.ID, roundNo, taskID) })
		t.emit(model.EventInferenceFailed, inferenceFailed{
			TaskID:    taskID,
			Attempts:  attempts,
			Error:     cause.Error(),
			Exhausted: ai.Exhausted(cause),
		})
		t.emit(model.EventRoundStageChanged, stageChange{From: model.PhaseInference, To: next.Phase})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("task_id", taskID).Msg("Failed to record inference failure")
		return err
	}
	if discarded {
		ai.RoundOutcomes.WithLabelValues("discarded").Inc()
		return nil
	}
	ai.RoundOutcomes.WithLabelValues(string(model.TaskFailed)).Inc()
	log.Warn().Err(cause).Str("session_id", sessionID).Int("round", roundNo).Int("attempts", attempts).
		Msg("Inference failed, session returned to review")
	return nil
}

func (o *Orchestrator) cacheResult(ctx context.Context, sessionID string, res *model.RoundResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, cache.ResultKey(sessionID, res.Round), string(raw), o.settings.ResultTTL); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to cache round result")
	}
}

// applyDeltas adds the AI's deltas to the board. Each delta passes through the
// modifiers first: multiplied, then the flat bonus added.
func applyDeltas(board *model.Board, deltas []model.ParticipantDelta, engine *modifier.Engine) {
	for _, d := range deltas {
		p, ok := board.Players[d.UserID]
		if !ok {
			continue
		}
		p.Balance += engine.Apply(model.AttrBalance, d.Balance)
		for attr, v := range d.Attributes {
			if p.Attributes == nil {
				p.Attributes = make(map[string]float64)
			}
			p.Attributes[attr] += engine.Apply(attr, v)
		}
	}
}

// InferenceView is the state of a round's inference.
type InferenceView struct {
	Round    int                `json:"round"`
	Status   model.TaskStatus   `json:"status"`
	TaskID   string             `json:"task_id,omitempty"`
	Attempts int                `json:"attempts"`
	Result   *model.RoundResult `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Cached   bool               `json:"cached"`
}

// GetInferenceResult returns the latest inference of a round; round 0 means the
// current round. Completed results are served from the cache when present.
func (o *Orchestrator) GetInferenceResult(ctx context.Context, sessionID string, roundNo int) (*InferenceView, error) {
	const op = "get inference result"

	if roundNo == 0 {
		s, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, storeErr(op, "", err)
		}
		roundNo = s.CurrentRound
	}

	if raw, err := o.cache.Get(ctx, cache.ResultKey(sessionID, roundNo)); err == nil {
		var res model.RoundResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			return &InferenceView{Round: roundNo, Status: model.TaskCompleted, Result: &res, Cached: true}, nil
		}
	}

	task, err := o.store.LatestTask(ctx, sessionID, roundNo)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, invalid(op, ErrNoInference)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	view := &InferenceView{
		Round:    roundNo,
		Status:   task.Status,
		TaskID:   task.ID,
		Attempts: task.Attempts,
		Result:   task.Result,
		Error:    task.Error,
	}
	if task.Status == model.TaskCompleted && task.Result != nil {
		o.cacheResult(ctx, sessionID, task.Result)
	}
	return view, nil
}
