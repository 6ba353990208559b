package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
)

// TranscriptionProvider turns a processing job into dialogue turns.
type TranscriptionProvider interface {
	Transcribe(ctx context.Context, job model.ProcessingJob, md model.Metadata) (model.TranscriptionResult, error)
}

// TranscriptStore persists transcripts.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t model.Transcript) error
}

// TranscriptionWorker reacts to processing jobs: it transcribes the media,
// saves the transcript and completes the job.
type TranscriptionWorker struct {
	base
	provider    TranscriptionProvider
	transcripts TranscriptStore
}

// NewTranscriptionWorker creates a new transcription worker
func NewTranscriptionWorker(jobs JobStore, transcripts TranscriptStore, provider TranscriptionProvider, publisher EventPublisher, logger *zap.Logger, opts ...Option) *TranscriptionWorker {
	return &TranscriptionWorker{
		base:        newBase("transcription", jobs, publisher, logger, opts),
		provider:    provider,
		transcripts: transcripts,
	}
}

// Handle processes one trigger.
func (w *TranscriptionWorker) Handle(ctx context.Context, t Trigger) (Result, error) {
	job, res, err := w.load(ctx, t, model.JobStatusProcessing)
	if job == nil {
		return res, err
	}
	pj, ok := job.(model.ProcessingJob)
	if !ok {
		return Result{}, fmt.Errorf("job %s: unexpected variant %T", job.Base().ID, job)
	}
	b := pj.Base()

	if !b.Media.Type.IsSupported() {
		return w.fail(ctx, job, &UnsupportedMediaTypeError{JobID: b.ID, MediaType: b.Media.Type})
	}

	var result model.TranscriptionResult
	_, err = retry.Do(ctx, w.policy, func(ctx context.Context, attempt int) error {
		var trErr error
		result, trErr = w.provider.Transcribe(ctx, pj, pj.Metadata)
		if trErr == nil && len(result.Turns) == 0 {
			trErr = retry.Permanent(errors.New("transcription returned no dialogue turns"))
		}
		if trErr != nil && !retry.IsPermanent(trErr) {
			w.logger.Warn("transcription attempt failed",
				zap.String("job_id", b.ID),
				zap.Int("attempt", attempt),
				zap.Error(trErr),
			)
		}
		return trErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return w.fail(ctx, job, fmt.Errorf("transcribe: %w", err))
	}

	now := w.now()
	transcript := model.Transcript{
		ID:         uuid.NewString(),
		JobID:      b.ID,
		Media:      b.Media,
		RawText:    model.RawTextFromTurns(result.Turns),
		Turns:      result.Turns,
		Provenance: result.Provenance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := w.transcripts.SaveTranscript(ctx, transcript); err != nil {
		return Result{}, fmt.Errorf("save transcript for job %s: %w", b.ID, err)
	}

	done, err := w.transition(ctx, job, model.JobStatusCompleted, model.TransitionParams{TranscriptID: transcript.ID, At: now})
	if err != nil {
		return Result{}, fmt.Errorf("complete job %s: %w", b.ID, err)
	}

	w.logger.Info("transcription complete",
		zap.String("job_id", b.ID),
		zap.String("transcript_id", transcript.ID),
		zap.Int("turns", len(transcript.Turns)),
	)
	return Result{Outcome: Processed, JobID: b.ID, Status: done.Status()}, nil
}
