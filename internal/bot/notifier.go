package bot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"bizsim/internal/handler"
	"bizsim/internal/model"
)

// Sender is the part of the Telegram API the notifier needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier posts match events into the room's chat.
type Notifier struct {
	sender Sender
}

// NewNotifier creates a Notifier sending through s.
func NewNotifier(s Sender) *Notifier {
	return &Notifier{sender: s}
}

// Publish renders ev and sends it to its room. Events the chat is not told about
// are dropped.
func (n *Notifier) Publish(ctx context.Context, ev model.Event) error {
	text, ok := handler.FormatEvent(ev)
	if !ok {
		return nil
	}
	chatID, err := handler.ChatID(ev.RoomID)
	if err != nil {
		return fmt.Errorf("invalid room %q: %w", ev.RoomID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.sender.Send(tele.ChatID(chatID), text); err != nil {
		return fmt.Errorf("failed to notify chat %d: %w", chatID, err)
	}
	log.Debug().
		Int64("chat_id", chatID).
		Str("event", string(ev.Type)).
		Msg("Event sent to chat")
	return nil
}
