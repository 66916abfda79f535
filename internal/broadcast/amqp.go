package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"bizsim/internal/model"
)

// DefaultExchange is the topic exchange session events are published to.
const DefaultExchange = "bizsim.events"

// AMQP publishes events to a durable RabbitMQ topic exchange.
// Routing keys have the form room.<roomID>.<eventType>.
type AMQP struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// NewAMQP opens a channel on conn and declares the exchange.
func NewAMQP(conn *amqp.Connection, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("event publisher: failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("event publisher: failed to declare exchange %q: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("Event exchange declared")
	return &AMQP{channel: ch, exchange: exchange}, nil
}

// RoutingKey returns the routing key an event is published with.
func RoutingKey(ev model.Event) string {
	return fmt.Sprintf("room.%s.%s", ev.RoomID, ev.Type)
}

func (a *AMQP) Publish(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.Type, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.channel.PublishWithContext(ctx,
		a.exchange,     // exchange
		RoutingKey(ev), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Type:         string(ev.Type),
			Headers:      amqp.Table{"session_id": ev.SessionID},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Close closes the publishing channel.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.Close()
}
