package trigger

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/worker"
)

// AMQPConsumer reads bucket notifications (S3 event records) and work
// messages from a RabbitMQ queue and dispatches them one at a time.
type AMQPConsumer struct {
	channel  *amqp.Channel
	queue    string
	router   *Router
	logger   *zap.Logger
	prefetch int
}

// NewAMQPConsumer declares queue, binds it to exchange under routingKey and
// sets the prefetch window. Rejected deliveries go to the exchange's
// dead-letter exchange.
func NewAMQPConsumer(conn *amqp.Connection, exchange, routingKey, queue string, prefetch int, router *Router, logger *zap.Logger) (*AMQPConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefetch < 1 {
		prefetch = 1
	}

	args := amqp.Table{"x-dead-letter-exchange": messaging.DeadLetterExchange(exchange)}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &AMQPConsumer{
		channel:  ch,
		queue:    queue,
		router:   router,
		logger:   logger,
		prefetch: prefetch,
	}, nil
}

// Start consumes until ctx is done or the channel closes.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer shutting down", zap.String("queue", c.queue))
			return c.channel.Close()
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", c.queue))
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	triggers, err := TriggersFromDelivery(d)
	if err != nil {
		c.logger.Warn("rejecting undecodable delivery",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		d.Nack(false, false)
		return
	}

	for _, t := range triggers {
		if _, err := c.router.Dispatch(ctx, t); err != nil {
			// First failure is requeued; a redelivered failure dead-letters.
			d.Nack(false, !d.Redelivered)
			return
		}
	}
	d.Ack(false)
}

// TriggersFromDelivery decodes a delivery as a work message when it carries
// the WorkMessage event type and as an S3 event document otherwise.
func TriggersFromDelivery(d amqp.Delivery) ([]worker.Trigger, error) {
	msg := messaging.MessageFromDelivery(d)
	if msg.Attributes[messaging.AttrEventType] == string(model.EventWorkMessage) {
		t, err := FromWorkMessage(msg)
		if err != nil {
			return nil, err
		}
		return []worker.Trigger{t}, nil
	}
	return ParseS3Event(d.Body)
}
