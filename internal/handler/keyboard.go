package handler

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v3"

	"bizsim/internal/model"
)

// CallbackPrefix marks inline button data owned by the trade buttons.
const CallbackPrefix = "trade:"

// Trade button actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// EncodeCallback builds button data for an action on a trade.
func EncodeCallback(action, tradeID string) string {
	return CallbackPrefix + action + ":" + tradeID
}

// DecodeCallback splits button data. ok is false for data of another owner.
func DecodeCallback(data string) (action, tradeID string, ok bool) {
	data = strings.TrimPrefix(data, "\f")
	rest, found := strings.CutPrefix(data, CallbackPrefix)
	if !found {
		return "", "", false
	}
	action, tradeID, ok = strings.Cut(rest, ":")
	if !ok || tradeID == "" || (action != ActionAccept && action != ActionReject) {
		return "", "", false
	}
	return action, tradeID, true
}

// TradeKeyboard is the accept/reject panel attached to an offer.
func TradeKeyboard(tradeID string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(
		markup.Data("Accept", EncodeCallback(ActionAccept, tradeID)),
		markup.Data("Reject", EncodeCallback(ActionReject, tradeID)),
	))
	return markup
}

// HandleCallback answers the trade panel buttons.
func (h *Handler) HandleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	action, tradeID, ok := DecodeCallback(cb.Data)
	if !ok {
		return c.Respond()
	}
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		var (
			tr  *model.Trade
			err error
		)
		if action == ActionAccept {
			tr, err = h.orch.AcceptTrade(ctx, s.ID, tradeID, actor)
		} else {
			tr, err = h.orch.RejectTrade(ctx, s.ID, tradeID, actor)
		}
		if err != nil {
			return c.Respond(&tele.CallbackResponse{Text: MessageFor(err), ShowAlert: true})
		}
		if err := c.Respond(); err != nil {
			return err
		}
		msg := c.Message()
		if msg == nil {
			return nil
		}
		return c.Edit(msg.Text + "\n\nOffer " + string(tr.Status) + ".")
	})(c)
}
