package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mediascribe/pipeline/internal/idempotency"
	"github.com/mediascribe/pipeline/internal/media"
)

var validate = validator.New()

// Validate runs struct tag validation with the package validator.
func Validate(v interface{}) error {
	return validate.Struct(v)
}

// jobRecord is the flat wire/storage form of every Job variant.
type jobRecord struct {
	Status         JobStatus        `json:"status" validate:"required"`
	ID             string           `json:"id" validate:"required"`
	RequestID      string           `json:"requestId" validate:"required"`
	Media          media.Reference  `json:"media"`
	Attempts       int              `json:"attempts" validate:"gte=0"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	IdempotencyKey *idempotency.Key `json:"idempotencyKey,omitempty"`

	Metadata            *Metadata  `json:"metadata,omitempty"`
	MetadataFetchedAt   *time.Time `json:"metadataFetchedAt,omitempty"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`

	TranscriptID string     `json:"transcriptId,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	FailedStage JobStatus  `json:"failedStage,omitempty"`
	Error       string     `json:"error,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	CancelledStage     JobStatus  `json:"cancelledStage,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
}

func timePtr(t time.Time) *time.Time { return &t }

func recordOf(j Job) (jobRecord, error) {
	b := j.Base()
	rec := jobRecord{
		Status:         j.Status(),
		ID:             b.ID,
		RequestID:      b.RequestID,
		Media:          b.Media,
		Attempts:       b.Attempts,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		IdempotencyKey: b.IdempotencyKey,
	}

	switch v := j.(type) {
	case QueuedJob:
	case MetadataReadyJob, ProcessingJob, CompletedJob:
		p := ProgressOf(v)
		rec.Metadata = p.Metadata
		rec.MetadataFetchedAt = p.MetadataFetchedAt
		rec.ProcessingStartedAt = p.ProcessingStartedAt
		if c, ok := v.(CompletedJob); ok {
			rec.TranscriptID = c.TranscriptID
			rec.CompletedAt = timePtr(c.CompletedAt)
		}
	case FailedJob:
		rec.Metadata = v.Metadata
		rec.MetadataFetchedAt = v.MetadataFetchedAt
		rec.ProcessingStartedAt = v.ProcessingStartedAt
		rec.FailedStage = v.FailedStage
		rec.Error = v.Error
		rec.FailedAt = timePtr(v.FailedAt)
	case CancelledJob:
		rec.Metadata = v.Metadata
		rec.MetadataFetchedAt = v.MetadataFetchedAt
		rec.ProcessingStartedAt = v.ProcessingStartedAt
		rec.CancelledStage = v.CancelledStage
		rec.CancellationReason = v.CancellationReason
		rec.CancelledAt = timePtr(v.CancelledAt)
	default:
		return jobRecord{}, fmt.Errorf("unknown job variant %T", j)
	}
	return rec, nil
}

func (rec jobRecord) require(field string, ok bool) error {
	if !ok {
		return fmt.Errorf("%s job %s is missing %s", rec.Status, rec.ID, field)
	}
	return nil
}

func (rec jobRecord) toJob() (Job, error) {
	if err := validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("invalid job record: %w", err)
	}
	base := JobBase{
		ID:             rec.ID,
		RequestID:      rec.RequestID,
		Media:          rec.Media,
		Attempts:       rec.Attempts,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		IdempotencyKey: rec.IdempotencyKey,
	}
	progress := Progress{
		Metadata:            rec.Metadata,
		MetadataFetchedAt:   rec.MetadataFetchedAt,
		ProcessingStartedAt: rec.ProcessingStartedAt,
	}

	enriched := func() (MetadataReadyJob, error) {
		if err := rec.require("metadata", rec.Metadata != nil); err != nil {
			return MetadataReadyJob{}, err
		}
		if err := rec.require("metadataFetchedAt", rec.MetadataFetchedAt != nil); err != nil {
			return MetadataReadyJob{}, err
		}
		return MetadataReadyJob{JobBase: base, Metadata: *rec.Metadata, MetadataFetchedAt: *rec.MetadataFetchedAt}, nil
	}
	processing := func() (ProcessingJob, error) {
		m, err := enriched()
		if err != nil {
			return ProcessingJob{}, err
		}
		if err := rec.require("processingStartedAt", rec.ProcessingStartedAt != nil); err != nil {
			return ProcessingJob{}, err
		}
		return ProcessingJob{MetadataReadyJob: m, ProcessingStartedAt: *rec.ProcessingStartedAt}, nil
	}

	switch rec.Status {
	case JobStatusQueued:
		return QueuedJob{JobBase: base}, nil
	case JobStatusMetadataReady:
		return enriched()
	case JobStatusProcessing:
		return processing()
	case JobStatusCompleted:
		p, err := processing()
		if err != nil {
			return nil, err
		}
		if err := rec.require("transcriptId", rec.TranscriptID != ""); err != nil {
			return nil, err
		}
		if err := rec.require("completedAt", rec.CompletedAt != nil); err != nil {
			return nil, err
		}
		return CompletedJob{ProcessingJob: p, TranscriptID: rec.TranscriptID, CompletedAt: *rec.CompletedAt}, nil
	case JobStatusFailed:
		if err := rec.require("error", rec.Error != ""); err != nil {
			return nil, err
		}
		if err := rec.require("failedAt", rec.FailedAt != nil); err != nil {
			return nil, err
		}
		return FailedJob{JobBase: base, Progress: progress, FailedStage: rec.FailedStage, Error: rec.Error, FailedAt: *rec.FailedAt}, nil
	case JobStatusCancelled:
		if err := rec.require("cancelledAt", rec.CancelledAt != nil); err != nil {
			return nil, err
		}
		return CancelledJob{JobBase: base, Progress: progress, CancelledStage: rec.CancelledStage, CancellationReason: rec.CancellationReason, CancelledAt: *rec.CancelledAt}, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", rec.Status)
	}
}

// MarshalJob encodes any variant as a flat JSON object tagged by "status".
func MarshalJob(j Job) ([]byte, error) {
	if j == nil {
		return nil, fmt.Errorf("marshal job: nil job")
	}
	rec, err := recordOf(j)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// UnmarshalJob decodes the form written by MarshalJob, rejecting records
// that lack the fields their status requires.
func UnmarshalJob(data []byte) (Job, error) {
	var rec jobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return rec.toJob()
}

// JobJSON lets a Job sit inside other JSON documents.
type JobJSON struct {
	Job Job
}

func (j JobJSON) MarshalJSON() ([]byte, error) {
	return MarshalJob(j.Job)
}

func (j *JobJSON) UnmarshalJSON(data []byte) error {
	job, err := UnmarshalJob(data)
	if err != nil {
		return err
	}
	j.Job = job
	return nil
}
