package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitSender publishes messages to a topic exchange with publisher
// confirms. The routing key is the topic; attributes travel as headers.
type RabbitSender struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// DeadLetterExchange returns the exchange receiving rejected deliveries.
func DeadLetterExchange(exchange string) string {
	return exchange + ".dlx"
}

// NewRabbitSender opens a confirm-mode channel and declares the topology:
// the topic exchange, its dead-letter exchange and one durable queue per
// topic. Work and events queues dead-letter into the dead-letter topic.
func NewRabbitSender(conn *amqp.Connection, exchange string, topics Topics) (*RabbitSender, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(ch, exchange, topics); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &RabbitSender{channel: ch, exchange: exchange}, nil
}

// DeclareTopology declares exchanges and queues for topics. It is safe to
// call from every process; declarations are idempotent.
func DeclareTopology(ch *amqp.Channel, exchange string, topics Topics) error {
	dlx := DeadLetterExchange(exchange)
	for _, name := range []string{exchange, dlx} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	if _, err := ch.QueueDeclare(topics.DeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topics.DeadLetter, err)
	}
	if err := ch.QueueBind(topics.DeadLetter, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topics.DeadLetter, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	for _, topic := range []string{topics.Work, topics.Events} {
		if _, err := ch.QueueDeclare(topic, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		if err := ch.QueueBind(topic, topic, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", topic, err)
		}
	}
	return nil
}

// Send publishes msg and waits for the broker confirm.
func (s *RabbitSender) Send(ctx context.Context, topic string, msg Message) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	confirm, err := s.channel.PublishWithDeferredConfirmWithContext(ctx,
		s.exchange,
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     id,
			CorrelationId: msg.Attributes[AttrCorrelationID],
			Type:          msg.Attributes[AttrEventType],
			Headers:       HeadersFromAttributes(msg.Attributes),
			Body:          msg.Data,
		},
	)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return "", errors.New("broker nacked message")
	}
	return id, nil
}

// Close releases the channel.
func (s *RabbitSender) Close() error {
	return s.channel.Close()
}

// HeadersFromAttributes converts message attributes to AMQP headers.
func HeadersFromAttributes(attrs map[string]string) amqp.Table {
	headers := make(amqp.Table, len(attrs))
	for k, v := range attrs {
		headers[k] = v
	}
	return headers
}

// MessageFromDelivery rebuilds a Message from a delivery. Non-string
// headers are dropped.
func MessageFromDelivery(d amqp.Delivery) Message {
	attrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return Message{Data: d.Body, Attributes: attrs}
}
