package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/idempotency"
	"github.com/mediascribe/pipeline/internal/media"
	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/repository"
	"github.com/mediascribe/pipeline/internal/storage"
)

// SubmitEndpoint scopes idempotency keys minted by Submit.
const SubmitEndpoint = "jobs"

var (
	// ErrInvalidMedia rejects a submission whose media cannot be identified.
	ErrInvalidMedia = errors.New("invalid media reference")
	// ErrUnsupportedMedia rejects a well-formed reference of an unsupported type.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTranscriptNotReady is returned for jobs that have not completed.
	ErrTranscriptNotReady = errors.New("transcript not ready")
)

// JobRepository is the part of the repository the service uses
type JobRepository interface {
	CreateJob(ctx context.Context, job model.Job) (model.Job, error)
	FindJobByID(ctx context.Context, id string) (model.Job, error)
	UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, params model.TransitionParams) (model.Job, error)
	ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]model.DomainEvent, error)
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
}

// Publisher sends events and work messages to the broker
type Publisher interface {
	PublishEvent(ctx context.Context, e model.DomainEvent, opts messaging.EncodeOptions) (string, error)
	PublishWorkMessage(ctx context.Context, job model.Job, opts messaging.EncodeOptions) (string, error)
}

// JobService handles job submission and the read side of the API
type JobService struct {
	repo      JobRepository
	publisher Publisher
	signer    storage.URLSigner
	logger    *zap.Logger
	now       func() time.Time
}

// NewJobService wires the service. publisher and signer may be nil.
func NewJobService(repo JobRepository, publisher Publisher, signer storage.URLSigner, logger *zap.Logger) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		repo:      repo,
		publisher: publisher,
		signer:    signer,
		logger:    logger.Named("jobs"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit queues a job for the requested media. A duplicate submission
// returns the repository's *JobConflictError carrying the existing job.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest, requestID string) (model.Job, error) {
	ref, err := ResolveMedia(req)
	if err != nil {
		return nil, err
	}

	key, err := idempotency.Generate(SubmitEndpoint, ref, req.RequestKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	now := s.now()
	job, err := s.repo.CreateJob(ctx, model.NewQueuedJob(ref, requestID, &key, now))
	if err != nil {
		return nil, err
	}

	s.publish(ctx, job, model.JobQueued{Job: job, OccurredAt: now})
	if s.publisher != nil {
		opts := messaging.EncodeOptions{CorrelationID: job.Base().RequestID}
		if _, err := s.publisher.PublishWorkMessage(ctx, job, opts); err != nil {
			s.logger.Warn("failed to publish work message", zap.String("job_id", job.Base().ID), zap.Error(err))
		}
	}
	return job, nil
}

// ResolveMedia turns a submission into a validated media reference
func ResolveMedia(req *model.SubmitJobRequest) (media.Reference, error) {
	if req.MediaURL != "" {
		ref, err := media.ParseURL(req.MediaURL)
		if err != nil {
			return media.Reference{}, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
		}
		return ref, nil
	}

	ref := media.Reference{Type: req.MediaType, ID: req.MediaID}
	if ref.Type != "" && !ref.Type.IsSupported() {
		return media.Reference{}, fmt.Errorf("%w: %q", ErrUnsupportedMedia, ref.Type)
	}
	if err := ref.Validate(); err != nil {
		return media.Reference{}, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	return ref, nil
}

// Get returns the job or an error wrapping repository.ErrJobNotFound
func (s *JobService) Get(ctx context.Context, id string) (model.Job, error) {
	job, err := s.repo.FindJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, repository.ErrJobNotFound)
	}
	return job, nil
}

// Cancel stops a non-terminal job. Terminal jobs yield an error matching
// model.ErrInvalidTransition.
func (s *JobService) Cancel(ctx context.Context, id, reason string) (model.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	at := s.now()
	next, err := s.repo.UpdateJobStatus(ctx, id, model.JobStatusCancelled, model.TransitionParams{Reason: reason, At: at})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, next, model.JobStatusChanged{
		JobID:      id,
		RequestID:  next.Base().RequestID,
		From:       current.Status(),
		To:         next.Status(),
		OccurredAt: at,
	})
	s.logger.Info("job cancelled", zap.String("job_id", id), zap.String("reason", reason))
	return next, nil
}

// Events returns the job's event log in chronological order
func (s *JobService) Events(ctx context.Context, id string) ([]model.DomainEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

// Transcript returns the transcript of a completed job
func (s *JobService) Transcript(ctx context.Context, id string) (*model.TranscriptResponse, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	completed, ok := job.(model.CompletedJob)
	if !ok {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status(), ErrTranscriptNotReady)
	}

	t, err := s.repo.GetTranscript(ctx, completed.TranscriptID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("transcript %s: %w", completed.TranscriptID, ErrTranscriptNotReady)
	}

	resp := &model.TranscriptResponse{Transcript: *t}
	if s.signer != nil {
		u, err := s.signer.SignedURL(ctx, storage.TranscriptKey(t.ID))
		switch {
		case err == nil:
			resp.DownloadURL = u
		case !errors.Is(err, storage.ErrSigningUnsupported):
			s.logger.Warn("failed to sign transcript url", zap.String("transcript_id", t.ID), zap.Error(err))
		}
	}
	return resp, nil
}

// List returns the jobs currently in status
func (s *JobService) List(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	return s.repo.ListJobs(ctx, status)
}

func (s *JobService) publish(ctx context.Context, job model.Job, e model.DomainEvent) {
	id := job.Base().ID
	if s.publisher == nil {
		return
	}
	opts := messaging.EncodeOptions{MediaType: job.Base().Media.Type, CorrelationID: job.Base().RequestID}
	if _, err := s.publisher.PublishEvent(ctx, e, opts); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("job_id", id),
			zap.String("event_type", string(e.Type())),
			zap.Error(err),
		)
	}
}
