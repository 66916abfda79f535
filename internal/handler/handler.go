// Package handler implements the chat commands that drive a match. One chat is one
// room; the member who starts a match hosts it. Handlers only parse and render;
// every rule is enforced by the orchestrator.
package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"bizsim/internal/config"
	"bizsim/internal/model"
	"bizsim/internal/service"
)

// commandTimeout bounds the orchestrator call behind one command.
const commandTimeout = 15 * time.Second

// Handler serves every match command.
type Handler struct {
	orch *service.Orchestrator
	cfg  *config.Config
}

// New creates a Handler.
func New(orch *service.Orchestrator, cfg *config.Config) *Handler {
	return &Handler{orch: orch, cfg: cfg}
}

// RoomID is the room key of a chat.
func RoomID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// ChatID parses a room key back into its chat.
func ChatID(roomID string) (int64, error) {
	return strconv.ParseInt(roomID, 10, 64)
}

// UserID is the participant key of a chat member.
func UserID(u *tele.User) string {
	return strconv.FormatInt(u.ID, 10)
}

// matchFunc handles a command inside the chat's running match.
type matchFunc func(ctx context.Context, c tele.Context, s *model.Session, actor string) error

// inMatch resolves the sender and the chat's active match before calling fn.
func (h *Handler) inMatch(fn matchFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender, chat := c.Sender(), c.Chat()
		if sender == nil || chat == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := h.orch.ActiveSession(ctx, RoomID(chat.ID))
		if err != nil {
			if errors.Is(err, service.ErrSessionNotFound) {
				return c.Reply("No match is running here. Start one with /newgame.")
			}
			return h.fail(c, err)
		}
		return fn(ctx, c, s, UserID(sender))
	}
}

// fail replies with the reason a command was refused. Infrastructure failures are
// logged and answered generically.
func (h *Handler) fail(c tele.Context, err error) error {
	if !service.IsRejected(err) {
		ev := log.Error().Err(err).Str("command", c.Text())
		if chat := c.Chat(); chat != nil {
			ev = ev.Int64("chat_id", chat.ID)
		}
		ev.Msg("Command failed")
	}
	return c.Reply(MessageFor(err))
}

// MessageFor renders an orchestrator error for the chat.
func MessageFor(err error) string {
	switch {
	case errors.Is(err, service.ErrNotOperator):
		return "Only the host can do that."
	case errors.Is(err, service.ErrNotParticipant):
		return "You are not playing in this match. Use /join while round 1 is open."
	case errors.Is(err, service.ErrDeadlinePassed):
		return "The decision deadline has passed."
	case errors.Is(err, service.ErrEmptyDecision):
		return "Usage: /decide <what you do> [key=value ...]"
	case errors.Is(err, service.ErrRoomBusy):
		return "A match is already running in this chat."
	case errors.Is(err, service.ErrInferenceInFlight):
		return "The AI is already working on this round."
	case errors.Is(err, service.ErrQueueFull):
		return "The AI queue is full. Try /infer again in a moment."
	case errors.Is(err, service.ErrAIConfig):
		return "This match has no usable AI configuration."
	case errors.Is(err, service.ErrNoSnapshot):
		return "There is no snapshot to restore."
	case errors.Is(err, service.ErrGameFinished):
		return "The match is over."
	case errors.Is(err, service.ErrVersionConflict):
		return "The match changed while your command ran. Try again."
	case errors.Is(err, service.ErrInsufficientBalance):
		return "Not enough balance for that trade."
	case service.IsRejected(err):
		return "Refused: " + err.Error()
	default:
		return "Something went wrong, please try again later."
	}
}
