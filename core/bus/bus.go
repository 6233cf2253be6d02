package bus

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/imgflow/credentials/pkg/logger"
)

// Routing keys of the credentials exchange. Inbound control messages come
// from the job-document producer and the account-management API; requests
// come per downstream service on KeyRequestPrefix + <service>.
const (
	KeyJobAdd        = "job.add"
	KeyJobDelete     = "job.delete"
	KeyJobCheck      = "job.check"
	KeyAccountAdd    = "account.add"
	KeyAccountDelete = "account.delete"
	KeyRequestPrefix = "request."

	// outbound
	KeyControlResponse = "credentials.response"
	KeyJobStart        = "job.start"
	KeyJobInvalid      = "job.invalid"

	// ResponseQueueSuffix names the per-requester response queue:
	// <service> + ResponseQueueSuffix.
	ResponseQueueSuffix = ".credentials_response"
)

// Publisher is the outbound half of the bus, small enough to fake in tests.
type Publisher interface {
	Publish(routingKey string, body []byte) error
	PublishToQueue(queue string, body []byte) error
}

// Bus wraps one AMQP connection and channel. Failing to establish the
// connection at startup is the only fatal bus condition.
type Bus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   logger.Logger
}

// Dial connects to the broker and declares the service exchange.
func Dial(url, exchange string, l logger.Logger) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to message bus: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot open bus channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot declare exchange %s: %w", exchange, err)
	}

	return &Bus{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger.EnsureLogger(l),
	}, nil
}

// DeclareServiceQueue declares the durable service queue, binds it to every
// routing key, and returns the delivery channel. Manual acks; prefetch of 1
// keeps consumption strictly one message at a time.
func (b *Bus) DeclareServiceQueue(queue string, routingKeys []string) (<-chan amqp.Delivery, error) {
	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("cannot declare queue %s: %w", queue, err)
	}

	for _, key := range routingKeys {
		if err := b.ch.QueueBind(queue, key, b.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("cannot bind %s to %s: %w", queue, key, err)
		}
	}

	if err := b.ch.Qos(1, 0, false); err != nil {
		return nil, err
	}

	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot consume from %s: %w", queue, err)
	}

	return deliveries, nil
}

// DeclareResponseQueue makes sure a per-requester response queue exists
// before anything is published to it.
func (b *Bus) DeclareResponseQueue(service string) error {
	_, err := b.ch.QueueDeclare(service+ResponseQueueSuffix, true, false, false, false, nil)
	return err
}

func (b *Bus) publish(exchange, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return b.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Publish sends on the service exchange under a routing key.
func (b *Bus) Publish(routingKey string, body []byte) error {
	return b.publish(b.exchange, routingKey, body)
}

// PublishToQueue sends directly to a named queue via the default exchange.
func (b *Bus) PublishToQueue(queue string, body []byte) error {
	return b.publish("", queue, body)
}

func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		b.logger.Error("error closing bus channel", "error", err)
	}
	return b.conn.Close()
}
