package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsim/internal/model"
)

func TestTradeAccepted(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	trade, err := h.o.ProposeTrade(ctx, TradeParams{SessionID: s.ID, From: alice, To: bob, Give: 300, Want: 50, Note: "warehouse"})
	require.NoError(t, err)
	assert.Equal(t, model.TradePending, trade.Status)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), trade.ExpiresAt)

	_, err = h.o.AcceptTrade(ctx, s.ID, trade.ID, alice)
	requireRejected(t, err, ErrNotParticipant)

	accepted, err := h.o.AcceptTrade(ctx, s.ID, trade.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, model.TradeAccepted, accepted.Status)
	require.NotNil(t, accepted.ResolvedAt)

	live := h.session(t, s.ID)
	assert.Equal(t, 750.0, balanceOf(live, alice))
	assert.Equal(t, 1250.0, balanceOf(live, bob))

	_, err = h.o.AcceptTrade(ctx, s.ID, trade.ID, bob)
	requireRejected(t, err, ErrTradeClosed)
}

func TestTradeValidation(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	cases := map[string]struct {
		params TradeParams
		err    error
	}{
		"negative":  {TradeParams{From: alice, To: bob, Give: -1}, ErrInvalidAmount},
		"nothing":   {TradeParams{From: alice, To: bob}, ErrInvalidAmount},
		"self":      {TradeParams{From: alice, To: alice, Give: 1}, ErrSelfTrade},
		"stranger":  {TradeParams{From: alice, To: "mallory", Give: 1}, ErrNotParticipant},
		"overdrawn": {TradeParams{From: alice, To: bob, Give: 5000}, ErrInsufficientBalance},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.params.SessionID = s.ID
			_, err := h.o.ProposeTrade(ctx, tc.params)
			requireRejected(t, err, tc.err)
		})
	}
}

func TestTradeRejectedAndExpired(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	first, err := h.o.ProposeTrade(ctx, TradeParams{SessionID: s.ID, From: alice, To: bob, Give: 10})
	require.NoError(t, err)
	rejected, err := h.o.RejectTrade(ctx, s.ID, first.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.TradeRejected, rejected.Status)

	second, err := h.o.ProposeTrade(ctx, TradeParams{SessionID: s.ID, From: bob, To: alice, Want: 10, TTL: time.Minute})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	_, err = h.o.AcceptTrade(ctx, s.ID, second.ID, alice)
	requireRejected(t, err, ErrTradeExpired)

	n, err := h.o.ExpireTrades(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trades, err := h.o.ListTrades(ctx, s.ID, model.TradeExpired)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, second.ID, trades[0].ID)

	live := h.session(t, s.ID)
	assert.Equal(t, 1000.0, balanceOf(live, alice))
	assert.Equal(t, 1000.0, balanceOf(live, bob))
}

func TestReviewLapsesPendingTrades(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	trade, err := h.o.ProposeTrade(ctx, TradeParams{SessionID: s.ID, From: alice, To: bob, Give: 10})
	require.NoError(t, err)
	h.review(t, s.ID)

	stored, err := h.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeExpired, stored.Status)

	_, err = h.o.ProposeTrade(ctx, TradeParams{SessionID: s.ID, From: alice, To: bob, Give: 10})
	requireRejected(t, err, ErrWrongPhase)

	all, err := h.o.ListTrades(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
