// Package worker implements the choreography consumers. Each one reacts to
// a job object landing under a status prefix, re-reads the job and either
// does its step or reports the trigger as stale.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/media"
	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
	"github.com/mediascribe/pipeline/internal/storage"
)

// Trigger is an object-finalized notification.
type Trigger struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name" validate:"required"`
}

// Outcome reports what a handler did with a trigger.
type Outcome string

const (
	// Processed means the step ran and the job moved on.
	Processed Outcome = "processed"
	// Skipped means the job was absent or already past the expected status.
	Skipped Outcome = "skipped"
	// Ignored means the object is not one this handler reacts to.
	Ignored Outcome = "ignored"
	// Failed means the step failed permanently and the job is now Failed.
	Failed Outcome = "failed"
)

// Result is returned by every handler.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	JobID   string          `json:"jobId,omitempty"`
	Status  model.JobStatus `json:"status,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Handler consumes triggers. A non-nil error asks the trigger source to
// redeliver; outcomes other than Processed are acknowledged.
type Handler interface {
	Handle(ctx context.Context, t Trigger) (Result, error)
}

// JobStore is the part of the repository the workers use.
type JobStore interface {
	FindJobByID(ctx context.Context, id string) (model.Job, error)
	UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, params model.TransitionParams) (model.Job, error)
}

// EventPublisher sends domain events and work messages to the broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e model.DomainEvent, opts messaging.EncodeOptions) (string, error)
	PublishWorkMessage(ctx context.Context, job model.Job, opts messaging.EncodeOptions) (string, error)
}

// UnsupportedMediaTypeError fails a job whose media cannot be processed.
// It is never retried.
type UnsupportedMediaTypeError struct {
	JobID     string
	MediaType media.Type
}

func (e *UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("job %s: unsupported media type %q", e.JobID, e.MediaType)
}

// Option configures a worker.
type Option func(*base)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithRetryPolicy overrides the provider retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *base) { b.policy = p }
}

// base holds what every worker shares.
type base struct {
	jobs      JobStore
	publisher EventPublisher
	policy    retry.Policy
	logger    *zap.Logger
	now       func() time.Time
}

func newBase(name string, jobs JobStore, publisher EventPublisher, logger *zap.Logger, opts []Option) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := base{
		jobs:      jobs,
		publisher: publisher,
		policy:    retry.DefaultPolicy,
		logger:    logger.Named(name),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// load parses the trigger and re-reads the job. A nil job with a nil error
// means the caller should return the accompanying result.
func (b *base) load(ctx context.Context, t Trigger, expect model.JobStatus) (model.Job, Result, error) {
	obj, err := storage.ParseJobKey(t.Name)
	if err != nil || obj.Status != expect {
		return nil, Result{Outcome: Ignored, Reason: fmt.Sprintf("object %q is not a %s job", t.Name, expect)}, nil
	}

	job, err := b.jobs.FindJobByID(ctx, obj.JobID)
	if err != nil {
		return nil, Result{}, fmt.Errorf("load job %s: %w", obj.JobID, err)
	}
	if job == nil {
		b.logger.Info("skipping trigger for missing job", zap.String("job_id", obj.JobID))
		return nil, Result{Outcome: Skipped, JobID: obj.JobID, Reason: "job not found"}, nil
	}
	if job.Status() != expect {
		b.logger.Info("skipping stale trigger",
			zap.String("job_id", obj.JobID),
			zap.String("expected", string(expect)),
			zap.String("actual", string(job.Status())),
		)
		return nil, Result{Outcome: Skipped, JobID: obj.JobID, Status: job.Status(), Reason: fmt.Sprintf("job is %s", job.Status())}, nil
	}
	return job, Result{}, nil
}

// transition moves the job and publishes the resulting events. Publish
// failures are logged; the event log already holds the record.
func (b *base) transition(ctx context.Context, job model.Job, to model.JobStatus, p model.TransitionParams) (model.Job, error) {
	if p.At.IsZero() {
		p.At = b.now()
	}
	from := job.Status()
	id := job.Base().ID
	next, err := b.jobs.UpdateJobStatus(ctx, id, to, p)
	if err != nil {
		return nil, err
	}

	nb := next.Base()
	b.publish(ctx, next, model.JobStatusChanged{JobID: id, RequestID: nb.RequestID, From: from, To: to, OccurredAt: p.At})
	if failed, ok := next.(model.FailedJob); ok {
		b.publish(ctx, next, model.JobFailed{JobID: id, RequestID: nb.RequestID, Error: failed.Error, Attempts: nb.Attempts, OccurredAt: p.At})
	}
	return next, nil
}

func (b *base) publish(ctx context.Context, job model.Job, e model.DomainEvent) {
	if b.publisher == nil {
		return
	}
	opts := messaging.EncodeOptions{MediaType: job.Base().Media.Type, CorrelationID: job.Base().RequestID}
	if _, err := b.publisher.PublishEvent(ctx, e, opts); err != nil {
		b.logger.Warn("failed to publish event",
			zap.String("job_id", job.Base().ID),
			zap.String("event_type", string(e.Type())),
			zap.Error(err),
		)
	}
}

func (b *base) publishWork(ctx context.Context, job model.Job) {
	if b.publisher == nil {
		return
	}
	opts := messaging.EncodeOptions{CorrelationID: job.Base().RequestID}
	if _, err := b.publisher.PublishWorkMessage(ctx, job, opts); err != nil {
		b.logger.Warn("failed to publish work message",
			zap.String("job_id", job.Base().ID),
			zap.Error(err),
		)
	}
}

// fail moves job to Failed and reports the outcome. Only a failed status
// update is returned as an error.
func (b *base) fail(ctx context.Context, job model.Job, cause error) (Result, error) {
	id := job.Base().ID
	b.logger.Error("job failed",
		zap.String("job_id", id),
		zap.String("status", string(job.Status())),
		zap.Error(cause),
	)
	next, err := b.transition(ctx, job, model.JobStatusFailed, model.TransitionParams{Error: cause.Error()})
	if err != nil {
		return Result{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	return Result{Outcome: Failed, JobID: id, Status: next.Status(), Reason: cause.Error()}, nil
}
