package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Meta identifies a published event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope is the JSON document published to the exchange.
type Envelope struct {
	Meta  Meta  `json:"meta"`
	Scope Scope `json:"scope"`
	Data  any   `json:"data"`
}

// amqpChannel is the part of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher publishes every event to a durable topic exchange with
// routing key <event>.<organization>.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  amqpChannel
	exchange string
}

// DialRabbit connects to url and declares the exchange.
func DialRabbit(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		amqp091.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("could not declare RabbitMQ exchange %s: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("RabbitMQ connection established.")
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// RoutingKey builds the topic routing key of an event.
func RoutingKey(event string, scope Scope) string {
	key := strings.NewReplacer(":", ".", "_", ".").Replace(event)
	org := scope.OrganizationID
	if org == "" {
		org = "global"
	}
	return key + "." + org
}

func (p *RabbitPublisher) Emit(ctx context.Context, event string, scope Scope, data any) error {
	env := Envelope{
		Meta:  Meta{ID: uuid.NewString(), Type: event, Time: time.Now().UTC()},
		Scope: scope,
		Data:  data,
	}
	env.Meta.CorrelationID = env.Meta.ID
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := RoutingKey(event, scope)
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          event,
		Timestamp:     env.Meta.Time,
	})
	if err != nil {
		log.Error().Err(err).Str("routingKey", key).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("routingKey", key).Msg("Published event to RabbitMQ")
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
