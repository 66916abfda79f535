package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsim/internal/model"
	"bizsim/internal/repository"
)

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, func(p *CreateSessionParams) {
		p.Participants = []string{alice, " bob ", alice, ""}
	})

	assert.Equal(t, 1, s.CurrentRound)
	assert.Equal(t, model.PhaseDecision, s.Phase)
	assert.Equal(t, model.StatusActive, s.Status)
	assert.Equal(t, []string{alice, bob}, s.Participants)
	require.NotNil(t, s.DecisionDeadline)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), *s.DecisionDeadline)
	assert.Equal(t, 1000.0, balanceOf(s, alice))
	assert.Equal(t, []model.EventType{model.EventRoundStageChanged}, h.events.Types())

	active, err := h.o.ActiveSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	zero := 0
	cases := map[string]func(*CreateSessionParams){
		"no room":         func(p *CreateSessionParams) { p.RoomID = "" },
		"no participants": func(p *CreateSessionParams) { p.Participants = []string{" "} },
		"zero rounds":     func(p *CreateSessionParams) { p.TotalRounds = &zero },
		"inverted bounds": func(p *CreateSessionParams) {
			p.Setup = &model.Setup{Bounds: map[string]model.Bounds{"reputation": {Min: 10, Max: 0}}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := CreateSessionParams{RoomID: "room", OperatorID: operator, Participants: []string{alice}}
			mutate(&p)
			_, err := h.o.CreateSession(context.Background(), p)
			requireRejected(t, err, ErrInvalidSetup)
		})
	}
}

func TestOneActiveSessionPerRoom(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	_, err := h.o.CreateSession(context.Background(), CreateSessionParams{
		RoomID: "room-1", OperatorID: operator, Participants: []string{alice},
	})
	requireRejected(t, err, ErrRoomBusy)
}

func TestFullRoundCycle(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	h.review(t, s.ID)
	reviewed := h.session(t, s.ID)
	assert.Equal(t, model.PhaseReview, reviewed.Phase)
	assert.Nil(t, reviewed.DecisionDeadline)
	assert.Equal(t, model.StateReview, reviewed.GameState.Kind())

	decisions, err := h.o.ListDecisions(ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, model.DecisionReviewed, d.Status)
	}

	task := h.infer(t, s.ID)
	done := h.session(t, s.ID)
	assert.Equal(t, model.PhaseResult, done.Phase)
	assert.Equal(t, 1100.0, balanceOf(done, alice))
	assert.Equal(t, 1000.0, balanceOf(done, bob))

	view, err := h.o.GetInferenceResult(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, view.Status)
	assert.True(t, view.Cached)
	assert.Equal(t, "Prices rose.", view.Result.Narrative)
	assert.Equal(t, []string{alice, bob}, view.Result.Ranking)

	stored, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)

	snaps, err := h.o.ListSnapshots(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, model.SnapshotAuto, snaps[0].Reason)

	next := h.advance(t, s.ID)
	assert.Equal(t, 2, next.CurrentRound)
	assert.Equal(t, model.PhaseDecision, next.Phase)
	assert.Equal(t, model.StateDecision, next.GameState.Kind())
	require.NotNil(t, next.DecisionDeadline)

	assert.Subset(t, h.events.Types(), []model.EventType{
		model.EventDecisionSubmitted,
		model.EventRoundStageChanged,
		model.EventInferenceStarted,
		model.EventInferenceCompleted,
		model.EventRoundChanged,
	})
}

func TestGameFinishesAfterLastRound(t *testing.T) {
	h := newHarness(t)
	two := 2
	s := h.create(t, func(p *CreateSessionParams) { p.TotalRounds = &two })

	h.play(t, s.ID)
	h.advance(t, s.ID)
	h.play(t, s.ID)
	final := h.advance(t, s.ID)

	assert.Equal(t, model.PhaseFinished, final.Phase)
	assert.Equal(t, model.StatusFinished, final.Status)
	assert.Equal(t, 2, final.CurrentRound)

	_, err := h.o.AdvanceRound(context.Background(), s.ID, operator)
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrGameFinished)

	standings, err := h.o.Standings(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, standings, 2)
	assert.Equal(t, Standing{Rank: 1, UserID: alice, Balance: 1200}, standings[0])

	_, err = h.o.ActiveSession(context.Background(), "room-1")
	requireRejected(t, err, ErrSessionNotFound)
}

func TestFinishGameEarly(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.play(t, s.ID)

	_, err := h.o.FinishGame(context.Background(), s.ID, bob)
	requireRejected(t, err, ErrNotOperator)

	final, err := h.o.FinishGame(context.Background(), s.ID, operator)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFinished, final.Phase)
	assert.Contains(t, h.events.Types(), model.EventGameFinished)
}

func TestTransitionsRejectWrongPhase(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	_, err := h.o.AdvanceRound(ctx, s.ID, operator)
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrWrongPhase)
	assert.Equal(t, model.PhaseDecision, ce.Phase)

	_, err = h.o.SubmitToAI(ctx, s.ID, operator)
	require.ErrorAs(t, err, &ce)

	_, err = h.o.StartReview(ctx, s.ID, alice)
	requireRejected(t, err, ErrNotOperator)

	assert.Equal(t, model.PhaseDecision, h.session(t, s.ID).Phase)
}

func TestJoinDuringFirstRound(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	joined, err := h.o.Join(ctx, s.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob, "carol"}, joined.Participants)
	assert.Equal(t, 1000.0, balanceOf(joined, "carol"))

	h.review(t, s.ID)
	_, err = h.o.Join(ctx, s.ID, "dave")
	requireRejected(t, err, ErrWrongPhase)
}

func TestSubmitDecisionValidation(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()
	payload := model.DecisionPayload{Action: "open a shop"}

	cases := map[string]struct {
		params SubmitParams
		err    error
	}{
		"stranger":         {SubmitParams{ActorID: "mallory", Round: 1, Payload: payload}, ErrNotParticipant},
		"on behalf":        {SubmitParams{ActorID: bob, UserID: alice, Round: 1, Payload: payload}, ErrNotOperator},
		"stale round":      {SubmitParams{ActorID: alice, Round: 2, Payload: payload}, ErrWrongRound},
		"empty":            {SubmitParams{ActorID: alice, Round: 1, Payload: model.DecisionPayload{Action: "  "}}, ErrEmptyDecision},
		"operator unknown": {SubmitParams{ActorID: operator, UserID: "mallory", Round: 1, Payload: payload}, ErrNotParticipant},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.params.SessionID = s.ID
			_, err := h.o.SubmitDecision(ctx, tc.params)
			requireRejected(t, err, tc.err)
		})
	}

	n, err := h.store.CountDecisions(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitDecisionOverwrites(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	h.submit(t, s.ID, alice, 1)
	_, err := h.o.SubmitDecision(ctx, SubmitParams{
		SessionID: s.ID,
		ActorID:   operator,
		UserID:    alice,
		Round:     1,
		Payload:   model.DecisionPayload{Action: "sell everything"},
	})
	require.NoError(t, err)

	decisions, err := h.o.ListDecisions(ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "sell everything", decisions[0].Payload.Action)
	assert.Equal(t, operator, decisions[0].SubmittedBy)
}

func TestSubmitDecisionAfterDeadline(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()
	h.clock.Advance(11 * time.Minute)

	_, err := h.o.SubmitDecision(ctx, SubmitParams{
		SessionID: s.ID, ActorID: alice, Round: 1, Payload: model.DecisionPayload{Action: "late"},
	})
	requireRejected(t, err, ErrDeadlinePassed)

	_, err = h.o.SubmitDecision(ctx, SubmitParams{
		SessionID: s.ID, ActorID: operator, UserID: alice, Round: 1, Payload: model.DecisionPayload{Action: "late"},
	})
	require.NoError(t, err)
}

func TestSubmitRejectedOnceReviewStarts(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.review(t, s.ID)

	_, err := h.o.SubmitDecision(context.Background(), SubmitParams{
		SessionID: s.ID, ActorID: alice, Round: 1, Payload: model.DecisionPayload{Action: "again"},
	})
	requireRejected(t, err, ErrWrongPhase)
}

func TestConcurrentSubmissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	players := make([]string, 20)
	for i := range players {
		players[i] = fmt.Sprintf("player-%02d", i)
	}
	s := h.create(t, func(p *CreateSessionParams) { p.Participants = players })

	var wg sync.WaitGroup
	for _, id := range players {
		for attempt := 0; attempt < 5; attempt++ {
			wg.Add(1)
			go func(id string, attempt int) {
				defer wg.Done()
				_, err := h.o.SubmitDecision(ctx, SubmitParams{
					SessionID: s.ID,
					ActorID:   id,
					Round:     1,
					Payload:   model.DecisionPayload{Action: fmt.Sprintf("move %d", attempt)},
				})
				assert.NoError(t, err)
			}(id, attempt)
		}
	}
	wg.Wait()

	n, err := h.store.CountDecisions(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, len(players), n)
}

func TestConcurrentReviewAndSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = h.o.SubmitDecision(ctx, SubmitParams{
			SessionID: s.ID, ActorID: alice, Round: 1, Payload: model.DecisionPayload{Action: "race"},
		})
	}()
	go func() {
		defer wg.Done()
		_, err := h.o.StartReview(ctx, s.ID, operator)
		assert.NoError(t, err)
	}()
	wg.Wait()

	// Whichever won, every stored decision was locked by the review.
	decisions, err := h.o.ListDecisions(ctx, s.ID, 1)
	require.NoError(t, err)
	for _, d := range decisions {
		assert.Equal(t, model.DecisionReviewed, d.Status)
	}
	reviewed := h.session(t, s.ID)
	assert.Equal(t, len(decisions), reviewed.GameState.(*model.ReviewPhaseState).Decisions)
}

func TestErrorCategories(t *testing.T) {
	err := storeErr("update", model.PhaseReview, repository.ErrVersionConflict)
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, model.PhaseReview, ce.Phase)
	assert.True(t, IsRejected(err))

	assert.True(t, IsRejected(&RestoreError{SnapshotID: "x", Err: ErrNoSnapshot}))
	assert.False(t, IsRejected(fmt.Errorf("dial tcp: connection refused")))
}
