package handler

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"bizsim/internal/model"
	"bizsim/internal/service"
)

const tradeUsage = "Reply to a player with /trade <you give> <you want> [note]"

// HandleTrade handles /trade, offered in reply to the counterparty's message.
func (h *Handler) HandleTrade(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		msg := c.Message()
		if msg == nil || msg.ReplyTo == nil || msg.ReplyTo.Sender == nil {
			return c.Reply(tradeUsage)
		}
		args := c.Args()
		if len(args) < 2 {
			return c.Reply(tradeUsage)
		}
		give, err := ParseAmount(args[0])
		if err != nil {
			return c.Reply(tradeUsage)
		}
		want, err := ParseAmount(args[1])
		if err != nil {
			return c.Reply(tradeUsage)
		}

		tr, err := h.orch.ProposeTrade(ctx, service.TradeParams{
			SessionID: s.ID,
			From:      actor,
			To:        UserID(msg.ReplyTo.Sender),
			Give:      give,
			Want:      want,
			Note:      strings.Join(args[2:], " "),
		})
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply(fmt.Sprintf("%s, %s offers %.0f for %.0f of yours. Answer before %s.",
			msg.ReplyTo.Sender.FirstName, c.Sender().FirstName, give, want, tr.ExpiresAt.Format("15:04:05")),
			TradeKeyboard(tr.ID))
	})(c)
}

// HandleAccept handles /accept <trade id>.
func (h *Handler) HandleAccept(c tele.Context) error {
	return h.resolveTrade(c, "/accept", true)
}

// HandleReject handles /reject <trade id>.
func (h *Handler) HandleReject(c tele.Context) error {
	return h.resolveTrade(c, "/reject", false)
}

func (h *Handler) resolveTrade(c tele.Context, cmd string, accept bool) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) != 1 {
			return c.Reply("Usage: " + cmd + " <trade id>")
		}
		trades, err := h.orch.ListTrades(ctx, s.ID, model.TradePending)
		if err != nil {
			return h.fail(c, err)
		}
		id, err := resolveID(args[0], trades, func(t *model.Trade) string { return t.ID })
		if err != nil {
			return c.Reply(err.Error())
		}
		if accept {
			_, err = h.orch.AcceptTrade(ctx, s.ID, id, actor)
		} else {
			_, err = h.orch.RejectTrade(ctx, s.ID, id, actor)
		}
		if err != nil {
			return h.fail(c, err)
		}
		return nil
	})(c)
}

// HandleTrades handles /trades, listing open offers.
func (h *Handler) HandleTrades(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		trades, err := h.orch.ListTrades(ctx, s.ID, model.TradePending)
		if err != nil {
			return h.fail(c, err)
		}
		if len(trades) == 0 {
			return c.Reply("No open offers.")
		}
		var b strings.Builder
		b.WriteString("Open offers:\n")
		for _, t := range trades {
			fmt.Fprintf(&b, "\n%s %s gives %.0f to %s for %.0f", short(t.ID), t.FromUser, t.Give, t.ToUser, t.Want)
			if t.Note != "" {
				fmt.Fprintf(&b, " (%s)", t.Note)
			}
		}
		return c.Reply(b.String())
	})(c)
}
