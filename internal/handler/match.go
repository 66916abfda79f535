package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"bizsim/internal/model"
	"bizsim/internal/service"
)

// HandleNewGame handles /newgame [rounds]. The sender hosts and plays.
func (h *Handler) HandleNewGame(c tele.Context) error {
	sender, chat := c.Sender(), c.Chat()
	if sender == nil || chat == nil {
		return nil
	}
	if chat.Type == tele.ChatPrivate {
		return c.Reply("Matches run in group chats.")
	}

	var total *int
	if n := h.cfg.Game.DefaultTotalRounds; n > 0 {
		total = &n
	}
	if args := c.Args(); len(args) > 0 {
		n, err := ParseRound(args[0])
		if err != nil {
			return c.Reply("Usage: /newgame [rounds]")
		}
		total = &n
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	s, err := h.orch.CreateSession(ctx, service.CreateSessionParams{
		RoomID:       RoomID(chat.ID),
		OperatorID:   UserID(sender),
		Participants: []string{UserID(sender)},
		TotalRounds:  total,
		AIConfig:     h.cfg.Inference.SessionAI(),
		RuleText:     h.cfg.Game.RuleText,
	})
	if err != nil {
		return h.fail(c, err)
	}

	log.Info().
		Int64("chat_id", chat.ID).
		Int64("operator_id", sender.ID).
		Str("session_id", s.ID).
		Msg("Match started from chat")
	return c.Reply(fmt.Sprintf("Match created, hosted by %s. Others can /join during round 1.", sender.FirstName))
}

// HandleJoin handles /join.
func (h *Handler) HandleJoin(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		s, err := h.orch.Join(ctx, s.ID, actor)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply(fmt.Sprintf("You are in. %d players.", len(s.Participants)))
	})(c)
}

// HandleStatus handles /status.
func (h *Handler) HandleStatus(c tele.Context) error {
	return h.inMatch(func(_ context.Context, c tele.Context, s *model.Session, _ string) error {
		return c.Reply(FormatSession(s, time.Now()))
	})(c)
}

// HandleDecide handles /decide <text> [key=value ...].
func (h *Handler) HandleDecide(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		return h.decide(ctx, c, s, actor, actor, c.Args())
	})(c)
}

// HandleDecideFor handles /decide_for <user_id> <text>, the host submitting for a player.
func (h *Handler) HandleDecideFor(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) < 2 {
			return c.Reply("Usage: /decide_for <user_id> <what they do>")
		}
		return h.decide(ctx, c, s, actor, args[0], args[1:])
	})(c)
}

func (h *Handler) decide(ctx context.Context, c tele.Context, s *model.Session, actor, user string, args []string) error {
	d, err := h.orch.SubmitDecision(ctx, service.SubmitParams{
		SessionID: s.ID,
		ActorID:   actor,
		UserID:    user,
		Round:     s.CurrentRound,
		Payload:   ParseDecision(args),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Reply(fmt.Sprintf("Decision for round %d saved: %s", d.Round, d.Payload.Action))
}

// HandleDecisions handles /decisions, listing the current round's submissions.
func (h *Handler) HandleDecisions(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		decisions, err := h.orch.ListDecisions(ctx, s.ID, s.CurrentRound)
		if err != nil {
			return h.fail(c, err)
		}
		if len(decisions) == 0 {
			return c.Reply("No decisions yet.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Round %d decisions (%d/%d):\n", s.CurrentRound, len(decisions), len(s.Participants))
		for _, d := range decisions {
			fmt.Fprintf(&b, "\n%s [%s]: %s", d.UserID, d.Status, d.Payload.Action)
		}
		return c.Reply(b.String())
	})(c)
}

// HandleReview handles /review, closing the decision phase.
func (h *Handler) HandleReview(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		if _, err := h.orch.StartReview(ctx, s.ID, actor); err != nil {
			return h.fail(c, err)
		}
		return c.Reply("Decisions are locked. Add events with /event or send the round to the AI with /infer.")
	})(c)
}

// HandleInfer handles /infer.
func (h *Handler) HandleInfer(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		if _, err := h.orch.SubmitToAI(ctx, s.ID, actor); err != nil {
			return h.fail(c, err)
		}
		return nil
	})(c)
}

// HandleResult handles /result [round].
func (h *Handler) HandleResult(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		round := 0
		if args := c.Args(); len(args) > 0 {
			n, err := ParseRound(args[0])
			if err != nil {
				return c.Reply("Usage: /result [round]")
			}
			round = n
		}
		view, err := h.orch.GetInferenceResult(ctx, s.ID, round)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply(FormatResult(view))
	})(c)
}

// HandleNext handles /next, opening the next round.
func (h *Handler) HandleNext(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		if _, err := h.orch.AdvanceRound(ctx, s.ID, actor); err != nil {
			return h.fail(c, err)
		}
		return nil
	})(c)
}

// HandleFinish handles /finish.
func (h *Handler) HandleFinish(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		if _, err := h.orch.FinishGame(ctx, s.ID, actor); err != nil {
			return h.fail(c, err)
		}
		return nil
	})(c)
}

// HandleTop handles /top.
func (h *Handler) HandleTop(c tele.Context) error {
	return h.inMatch(func(_ context.Context, c tele.Context, s *model.Session, _ string) error {
		return c.Reply(FormatStandings(service.Standings(s)))
	})(c)
}
