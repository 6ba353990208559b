package websocket

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/messaging"
)

// Relay feeds domain events published on the events topic into the hub, so
// subscribers see updates made by workers in other processes.
type Relay struct {
	hub    *Hub
	logger *zap.Logger
}

func NewRelay(hub *Hub, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{hub: hub, logger: logger}
}

// Deliver decodes msg and notifies the job's subscribers.
func (r *Relay) Deliver(msg messaging.Message) error {
	e, err := messaging.DecodeDomainEvent(msg)
	if err != nil {
		return err
	}
	r.hub.NotifyJob(e.Subject().JobID, e)
	return nil
}

// ProcessTask handles events published through the asynq sender. Events
// that do not decode are dropped.
func (r *Relay) ProcessTask(ctx context.Context, t *asynq.Task) error {
	msg, err := messaging.MessageFromTask(t)
	if err == nil {
		err = r.Deliver(msg)
	}
	if err != nil {
		r.logger.Warn("dropping undecodable event", zap.String("task_type", t.Type()), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// AMQPChannel is the part of *amqp.Channel the relay uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// SubscribeAMQP binds a private, broker-named queue to routingKey on
// exchange and relays from it. Every replica gets its own copy of each
// event; the queue is dropped when the channel closes.
func (r *Relay) SubscribeAMQP(ctx context.Context, ch AMQPChannel, exchange, routingKey string) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare relay queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind relay queue %s: %w", q.Name, err)
	}
	r.logger.Info("relaying events", zap.String("queue", q.Name), zap.String("routing_key", routingKey))
	return r.ConsumeAMQP(ctx, ch, q.Name)
}

// ConsumeAMQP relays deliveries from queue until ctx is done or the channel
// closes. Deliveries are auto-acknowledged; a missed live update is
// recoverable from the event log.
func (r *Relay) ConsumeAMQP(ctx context.Context, ch AMQPChannel, queue string) error {
	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel for %s closed", queue)
			}
			if err := r.Deliver(messaging.MessageFromDelivery(d)); err != nil {
				r.logger.Warn("dropping undecodable event", zap.String("queue", queue), zap.Error(err))
			}
		}
	}
}
