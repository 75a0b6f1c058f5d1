package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultRoutingKey is used for clip summaries published to AMQP
const DefaultRoutingKey = "violation.clip"

// amqpChannel is the subset of *amqp.Channel the sink needs
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes summaries to a RabbitMQ exchange
type AMQPSink struct {
	channel    amqpChannel
	exchange   string
	routingKey string
	mu         sync.Mutex // Channels are not safe for concurrent publishing
}

// NewAMQPSink opens a publisher channel on conn
func NewAMQPSink(conn *amqp.Connection, exchange, routingKey string) (*AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	return newAMQPSink(ch, exchange, routingKey), nil
}

func newAMQPSink(ch amqpChannel, exchange, routingKey string) *AMQPSink {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AMQPSink{channel: ch, exchange: exchange, routingKey: routingKey}
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Send(ctx context.Context, s Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.channel.PublishWithContext(ctx,
		a.exchange,
		a.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"x-run-id":   s.RunID,
				"x-event-id": int64(s.EventID),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish summary: %w", err)
	}
	return nil
}

// Close releases the channel
func (a *AMQPSink) Close() error {
	return a.channel.Close()
}

var _ Sink = (*AMQPSink)(nil)
