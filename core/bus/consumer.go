package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/imgflow/credentials/model"
	"github.com/imgflow/credentials/pkg/logger"
)

// Result is the typed outcome a handler returns. Transport acknowledgment
// and the business outcome are decoupled: the consumer always acks the
// delivery, and separately publishes the outcome as a control response
// unless the handler asked for silence.
type Result struct {
	JobID   string
	Success bool
	Message string

	// Silent suppresses the control response entirely. Used for invalid
	// credential requests, where the sender must time out.
	Silent bool
}

// HandlerFunc processes one delivery body.
type HandlerFunc func(routingKey string, body []byte) Result

// MetricsSink receives per-message outcome counts.
type MetricsSink interface {
	IncMessageProcessed(routingKey, status string)
}

// Consumer is the single-threaded message-consumption loop. It dispatches
// deliveries to handlers by routing key, one message at a time; a handler
// panic or error never crashes the loop.
type Consumer struct {
	publisher Publisher
	logger    logger.Logger
	metrics   MetricsSink

	handlers      map[string]HandlerFunc
	prefixHandler HandlerFunc
	prefix        string
}

func NewConsumer(pub Publisher, l logger.Logger, metrics MetricsSink) *Consumer {
	return &Consumer{
		publisher: pub,
		logger:    logger.EnsureLogger(l),
		metrics:   metrics,
		handlers:  map[string]HandlerFunc{},
	}
}

// Register installs a handler for an exact routing key.
func (c *Consumer) Register(routingKey string, h HandlerFunc) {
	c.handlers[routingKey] = h
}

// RegisterPrefix installs one handler for every routing key under prefix
// (the per-downstream-service request keys).
func (c *Consumer) RegisterPrefix(prefix string, h HandlerFunc) {
	c.prefix = prefix
	c.prefixHandler = h
}

// Run consumes deliveries until the channel closes or ctx is done. Every
// delivery is acknowledged exactly once regardless of outcome.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus delivery channel closed")
			}
			c.handleDelivery(d)
		}
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery) {
	result := c.dispatch(d)

	if err := d.Ack(false); err != nil {
		c.logger.Error("cannot ack delivery", "routing_key", d.RoutingKey, "error", err)
	}

	status := "failure"
	if result.Success {
		status = "success"
	}
	if c.metrics != nil {
		c.metrics.IncMessageProcessed(d.RoutingKey, status)
	}

	if result.Silent {
		return
	}

	response := model.ControlResponse{
		MessageID: ulid.Make().String(),
		JobID:     result.JobID,
		Success:   result.Success,
		Message:   result.Message,
	}
	body, err := json.Marshal(response)
	if err != nil {
		c.logger.Error("cannot marshal control response", "error", err)
		return
	}
	if err := c.publisher.Publish(KeyControlResponse, body); err != nil {
		c.logger.Error("cannot publish control response", "error", err)
	}
}

// dispatch picks the handler and shields the loop from panics.
func (c *Consumer) dispatch(d amqp.Delivery) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "routing_key", d.RoutingKey, "panic", r)
			result = Result{Success: false, Message: "Internal error processing message."}
		}
	}()

	handler, ok := c.handlers[d.RoutingKey]
	if !ok && c.prefixHandler != nil && strings.HasPrefix(d.RoutingKey, c.prefix) {
		handler = c.prefixHandler
		ok = true
	}
	if !ok {
		c.logger.Warn("no handler for routing key", "routing_key", d.RoutingKey)
		return Result{Success: false, Message: fmt.Sprintf("Unknown message type %q.", d.RoutingKey)}
	}

	return handler(d.RoutingKey, d.Body)
}
