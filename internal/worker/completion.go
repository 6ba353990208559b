package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
)

// CompletionLog is the repository surface the completion recorder needs.
type CompletionLog interface {
	FindJobByID(ctx context.Context, id string) (model.Job, error)
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
	HasEvent(ctx context.Context, jobID string, t model.EventType) (bool, error)
	AppendEvent(ctx context.Context, e model.DomainEvent) error
}

// CompletionRecorder reacts to completed jobs: it appends TranscriptComplete
// once and publishes it.
type CompletionRecorder struct {
	base
	log CompletionLog
}

// NewCompletionRecorder creates a new completion recorder.
func NewCompletionRecorder(log CompletionLog, publisher EventPublisher, logger *zap.Logger, opts ...Option) *CompletionRecorder {
	return &CompletionRecorder{
		base: newBase("completion", readOnlyJobs{log}, publisher, logger, opts),
		log:  log,
	}
}

// Handle processes one trigger.
func (r *CompletionRecorder) Handle(ctx context.Context, t Trigger) (Result, error) {
	job, res, err := r.load(ctx, t, model.JobStatusCompleted)
	if job == nil {
		return res, err
	}
	done, ok := job.(model.CompletedJob)
	if !ok {
		return Result{}, fmt.Errorf("job %s: unexpected variant %T", job.Base().ID, job)
	}
	b := done.Base()

	recorded, err := r.log.HasEvent(ctx, b.ID, model.EventTranscriptComplete)
	if err != nil {
		return Result{}, fmt.Errorf("check event log for job %s: %w", b.ID, err)
	}
	if recorded {
		r.logger.Info("completion already recorded", zap.String("job_id", b.ID))
		return Result{Outcome: Skipped, JobID: b.ID, Status: done.Status(), Reason: "completion already recorded"}, nil
	}

	transcript, err := r.log.GetTranscript(ctx, done.TranscriptID)
	if err != nil {
		return Result{}, fmt.Errorf("load transcript %s: %w", done.TranscriptID, err)
	}
	if transcript == nil {
		return Result{}, fmt.Errorf("job %s: transcript %s not found", b.ID, done.TranscriptID)
	}

	event := model.TranscriptComplete{
		JobID:      b.ID,
		RequestID:  b.RequestID,
		Transcript: *transcript,
		OccurredAt: r.now(),
	}
	if err := r.log.AppendEvent(ctx, event); err != nil {
		return Result{}, fmt.Errorf("record completion for job %s: %w", b.ID, err)
	}
	r.publish(ctx, job, event)

	r.logger.Info("completion recorded",
		zap.String("job_id", b.ID),
		zap.String("transcript_id", transcript.ID),
	)
	return Result{Outcome: Processed, JobID: b.ID, Status: done.Status()}, nil
}

// readOnlyJobs lets the recorder share base.load without status updates.
type readOnlyJobs struct {
	log CompletionLog
}

func (j readOnlyJobs) FindJobByID(ctx context.Context, id string) (model.Job, error) {
	return j.log.FindJobByID(ctx, id)
}

func (j readOnlyJobs) UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, p model.TransitionParams) (model.Job, error) {
	return nil, fmt.Errorf("completion recorder does not update job %s", id)
}
