package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
)

// MetadataProvider looks up details for a media id.
type MetadataProvider interface {
	Fetch(ctx context.Context, mediaID string) (model.VideoDetails, error)
}

// MetadataWorker reacts to queued jobs: it fetches metadata and moves the
// job through MetadataReady into Processing.
type MetadataWorker struct {
	base
	provider MetadataProvider
}

// NewMetadataWorker creates a new metadata worker
func NewMetadataWorker(jobs JobStore, provider MetadataProvider, publisher EventPublisher, logger *zap.Logger, opts ...Option) *MetadataWorker {
	return &MetadataWorker{
		base:     newBase("metadata", jobs, publisher, logger, opts),
		provider: provider,
	}
}

// Handle processes one trigger.
func (w *MetadataWorker) Handle(ctx context.Context, t Trigger) (Result, error) {
	job, res, err := w.load(ctx, t, model.JobStatusQueued)
	if job == nil {
		return res, err
	}
	b := job.Base()

	if !b.Media.Type.IsSupported() {
		return w.fail(ctx, job, &UnsupportedMediaTypeError{JobID: b.ID, MediaType: b.Media.Type})
	}

	var details model.VideoDetails
	_, err = retry.Do(ctx, w.policy, func(ctx context.Context, attempt int) error {
		var fetchErr error
		details, fetchErr = w.provider.Fetch(ctx, b.Media.ID)
		if fetchErr != nil && !retry.IsPermanent(fetchErr) {
			w.logger.Warn("metadata fetch attempt failed",
				zap.String("job_id", b.ID),
				zap.Int("attempt", attempt),
				zap.Error(fetchErr),
			)
		}
		return fetchErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return w.fail(ctx, job, fmt.Errorf("fetch metadata: %w", err))
	}

	md := model.MetadataFromDetails(details)
	if err := model.Validate(md); err != nil {
		return w.fail(ctx, job, fmt.Errorf("metadata for %s is incomplete: %w", b.Media, err))
	}

	ready, err := w.transition(ctx, job, model.JobStatusMetadataReady, model.TransitionParams{Metadata: &md})
	if err != nil {
		return Result{}, fmt.Errorf("record metadata for job %s: %w", b.ID, err)
	}
	processing, err := w.transition(ctx, ready, model.JobStatusProcessing, model.TransitionParams{})
	if err != nil {
		return Result{}, fmt.Errorf("start processing job %s: %w", b.ID, err)
	}
	w.publishWork(ctx, processing)

	w.logger.Info("metadata ready",
		zap.String("job_id", b.ID),
		zap.String("title", md.Title),
	)
	return Result{Outcome: Processed, JobID: b.ID, Status: processing.Status()}, nil
}
