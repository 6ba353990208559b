package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
)

// Sender delivers an encoded message to a broker topic and returns the
// broker-assigned message id. Wrap ErrSchemaRejected for shape rejections.
type Sender interface {
	Send(ctx context.Context, topic string, msg Message) (string, error)
}

// Topics names the broker destinations.
type Topics struct {
	Work       string
	Events     string
	DeadLetter string
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	ProjectID   string
	Topics      Topics
	Retry       retry.Policy
	Concurrency int
}

// DefaultConcurrency caps in-flight sends when none is configured.
const DefaultConcurrency = 4

// Validate checks the configuration before any message is sent.
func (c PublisherConfig) Validate() error {
	if c.ProjectID == "" {
		return errors.New("publisher: project id is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("publisher: concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Topics.Work == "" || c.Topics.Events == "" || c.Topics.DeadLetter == "" {
		return errors.New("publisher: work, events and dead-letter topics are required")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	return nil
}

// Publisher encodes domain events and work messages and sends them with
// bounded exponential retry.
type Publisher struct {
	sender Sender
	cfg    PublisherConfig
	sem    chan struct{}
	logger *zap.Logger
}

// NewPublisher validates cfg and returns a publisher backed by sender.
func NewPublisher(sender Sender, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if sender == nil {
		return nil, errors.New("publisher: sender is required")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		sender: sender,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
		logger: logger,
	}, nil
}

// Topics returns the configured destinations.
func (p *Publisher) Topics() Topics {
	return p.cfg.Topics
}

// PublishEvent sends e to the events topic.
func (p *Publisher) PublishEvent(ctx context.Context, e model.DomainEvent, opts EncodeOptions) (string, error) {
	msg, err := EncodeDomainEvent(e, opts)
	if err != nil {
		return "", &PubSubError{Type: SchemaValidation, Topic: p.cfg.Topics.Events, Err: err}
	}
	return p.publish(ctx, p.cfg.Topics.Events, msg)
}

// PublishWorkMessage sends job to the work topic.
func (p *Publisher) PublishWorkMessage(ctx context.Context, job model.Job, opts EncodeOptions) (string, error) {
	msg, err := EncodeWorkMessage(job, opts)
	if err != nil {
		return "", &PubSubError{Type: SchemaValidation, Topic: p.cfg.Topics.Work, Err: err}
	}
	return p.publish(ctx, p.cfg.Topics.Work, msg)
}

func (p *Publisher) publish(ctx context.Context, topic string, msg Message) (string, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return "", &PubSubError{Type: ClientError, Topic: topic, Err: ctx.Err()}
	}

	var id string
	attempts, err := retry.DoNotify(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		var sendErr error
		id, sendErr = p.sender.Send(ctx, topic, msg)
		if sendErr != nil && errors.Is(sendErr, ErrSchemaRejected) {
			return retry.Permanent(sendErr)
		}
		return sendErr
	}, func(err error, attempt int, wait time.Duration) {
		p.logger.Warn("publish attempt failed",
			zap.String("topic", topic),
			zap.String("job_id", msg.Attributes[AttrJobID]),
			zap.String("event_type", msg.Attributes[AttrEventType]),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		p.logger.Debug("message published",
			zap.String("topic", topic),
			zap.String("message_id", id),
			zap.String("event_type", msg.Attributes[AttrEventType]),
			zap.Int("attempts", attempts),
		)
		return id, nil
	}

	pubErr := &PubSubError{Type: ClientError, Topic: topic, Attempts: attempts, Err: err}
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, ErrSchemaRejected):
		pubErr.Type = SchemaValidation
	case errors.As(err, &exhausted):
		pubErr.Type = RetryExceeded
	}
	p.logger.Error("publish failed",
		zap.String("topic", topic),
		zap.String("job_id", msg.Attributes[AttrJobID]),
		zap.String("type", string(pubErr.Type)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return "", pubErr
}
