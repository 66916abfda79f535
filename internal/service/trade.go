package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizsim/internal/model"
	"bizsim/internal/repository"
)

// TradeParams is a trade offer. Give is paid by From, Want by To. TTL defaults to
// the configured trade lifetime.
type TradeParams struct {
	SessionID string
	From      string
	To        string
	Give      float64
	Want      float64
	Note      string
	TTL       time.Duration
}

func validateTrade(p TradeParams) error {
	if p.Give < 0 || p.Want < 0 || (p.Give == 0 && p.Want == 0) {
		return ErrInvalidAmount
	}
	if p.From == p.To {
		return ErrSelfTrade
	}
	return nil
}

// settle moves the amounts of an accepted trade between two players.
func settle(from, to *model.PlayerState, give, want float64) error {
	if from.Balance < give || to.Balance < want {
		return ErrInsufficientBalance
	}
	from.Balance += want - give
	to.Balance += give - want
	return nil
}

// ProposeTrade offers a balance exchange to another participant while decisions are open.
func (o *Orchestrator) ProposeTrade(ctx context.Context, p TradeParams) (*model.Trade, error) {
	const op = "propose trade"

	if err := validateTrade(p); err != nil {
		return nil, invalid(op, err)
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = o.settings.TradeTTL
	}

	var trade *model.Trade
	_, err := o.withSession(ctx, op, p.SessionID, func(t *txn) error {
		s := t.session
		if !s.IsParticipant(p.From) || !s.IsParticipant(p.To) {
			return invalid(op, ErrNotParticipant)
		}
		if s.Phase != model.PhaseDecision {
			return invalid(op, fmt.Errorf("%w: trades settle during decisions, session is in %s", ErrWrongPhase, s.Phase))
		}
		if model.BoardOf(s.GameState).Players[p.From].Balance < p.Give {
			return invalid(op, ErrInsufficientBalance)
		}
		trade = &model.Trade{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Round:     s.CurrentRound,
			FromUser:  p.From,
			ToUser:    p.To,
			Give:      p.Give,
			Want:      p.Want,
			Note:      p.Note,
			Status:    model.TradePending,
			ExpiresAt: t.now.Add(ttl),
			CreatedAt: t.now,
		}
		if err := t.CreateTrade(t.ctx, trade); err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		t.emit(model.EventTradeUpdated, trade)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// AcceptTrade settles a pending trade. Only its recipient may accept it.
func (o *Orchestrator) AcceptTrade(ctx context.Context, sessionID, tradeID, actorID string) (*model.Trade, error) {
	const op = "accept trade"
	return o.resolveTrade(ctx, op, sessionID, tradeID, func(t *txn, trade *model.Trade) error {
		if trade.ToUser != actorID {
			return invalid(op, ErrNotParticipant)
		}
		s := t.session
		if s.Phase != model.PhaseDecision || s.CurrentRound != trade.Round {
			return invalid(op, ErrWrongPhase)
		}
		if t.now.After(trade.ExpiresAt) {
			return invalid(op, ErrTradeExpired)
		}
		board := model.BoardOf(s.GameState)
		from, to := board.Players[trade.FromUser], board.Players[trade.ToUser]
		if from == nil || to == nil {
			return invalid(op, ErrNotParticipant)
		}
		if err := settle(from, to, trade.Give, trade.Want); err != nil {
			return invalid(op, err)
		}
		trade.Status = model.TradeAccepted
		t.save()
		return nil
	})
}

// RejectTrade declines a trade as its recipient, or withdraws it as its proposer.
func (o *Orchestrator) RejectTrade(ctx context.Context, sessionID, tradeID, actorID string) (*model.Trade, error) {
	const op = "reject trade"
	return o.resolveTrade(ctx, op, sessionID, tradeID, func(_ *txn, trade *model.Trade) error {
		if trade.ToUser != actorID && trade.FromUser != actorID {
			return invalid(op, ErrNotParticipant)
		}
		trade.Status = model.TradeRejected
		return nil
	})
}

func (o *Orchestrator) resolveTrade(ctx context.Context, op, sessionID, tradeID string, fn func(t *txn, trade *model.Trade) error) (*model.Trade, error) {
	var trade *model.Trade
	_, err := o.withSession(ctx, op, sessionID, func(t *txn) error {
		var err error
		trade, err = t.GetTrade(t.ctx, tradeID)
		if err != nil {
			if errors.Is(err, repository.ErrTradeNotFound) {
				return invalid(op, ErrTradeNotFound)
			}
			return fmt.Errorf("failed to load trade: %w", err)
		}
		if trade.SessionID != sessionID {
			return invalid(op, ErrTradeNotFound)
		}
		if trade.Status != model.TradePending {
			return invalid(op, ErrTradeClosed)
		}
		if err := fn(t, trade); err != nil {
			return err
		}
		resolved := t.now
		trade.ResolvedAt = &resolved
		if err := t.UpdateTrade(t.ctx, trade); err != nil {
			return fmt.Errorf("failed to update trade: %w", err)
		}
		t.emit(model.EventTradeUpdated, trade)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// ExpireTrades marks every pending trade past its expiry as expired.
func (o *Orchestrator) ExpireTrades(ctx context.Context, sessionID string) (int, error) {
	var n int
	_, err := o.withSession(ctx, "expire trades", sessionID, func(t *txn) error {
		before := len(t.events)
		if err := o.expireTrades(t, false); err != nil {
			return err
		}
		n = len(t.events) - before
		return nil
	})
	return n, err
}

// expireTrades expires the pending trades of the session in t; with all set, every
// pending trade lapses regardless of its expiry.
func (o *Orchestrator) expireTrades(t *txn, all bool) error {
	pending, err := t.ListTrades(t.ctx, t.session.ID, model.TradePending)
	if err != nil {
		return fmt.Errorf("failed to list trades: %w", err)
	}
	for _, trade := range pending {
		if !all && !t.now.After(trade.ExpiresAt) {
			continue
		}
		trade.Status = model.TradeExpired
		resolved := t.now
		trade.ResolvedAt = &resolved
		if err := t.UpdateTrade(t.ctx, trade); err != nil {
			return fmt.Errorf("failed to expire trade: %w", err)
		}
		t.emit(model.EventTradeUpdated, trade)
	}
	if len(pending) > 0 {
		log.Debug().Str("session_id", t.session.ID).Int("pending", len(pending)).Msg("Trades swept")
	}
	return nil
}

// ListTrades returns the session's trades with the given status, or all when empty.
func (o *Orchestrator) ListTrades(ctx context.Context, sessionID string, status model.TradeStatus) ([]*model.Trade, error) {
	trades, err := o.store.ListTrades(ctx, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}
