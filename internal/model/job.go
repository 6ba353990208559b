package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediascribe/pipeline/internal/idempotency"
	"github.com/mediascribe/pipeline/internal/media"
)

// Job is one of QueuedJob, MetadataReadyJob, ProcessingJob, CompletedJob,
// FailedJob or CancelledJob. The set is closed; Status is the discriminant.
type Job interface {
	Status() JobStatus
	Base() JobBase
	sealed()
}

// JobBase holds the fields every variant carries.
type JobBase struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"requestId"`
	Media          media.Reference  `json:"media"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	IdempotencyKey *idempotency.Key `json:"idempotencyKey,omitempty"`
}

func (b JobBase) Base() JobBase { return b }
func (JobBase) sealed()         {}

func (b JobBase) touched(at time.Time) JobBase {
	b.UpdatedAt = at
	return b
}

// QueuedJob has been accepted and awaits metadata enrichment.
type QueuedJob struct {
	JobBase
}

func (QueuedJob) Status() JobStatus { return JobStatusQueued }

// MetadataReadyJob carries descriptive metadata for its media.
type MetadataReadyJob struct {
	JobBase
	Metadata          Metadata  `json:"metadata"`
	MetadataFetchedAt time.Time `json:"metadataFetchedAt"`
}

func (MetadataReadyJob) Status() JobStatus { return JobStatusMetadataReady }

// ProcessingJob is being transcribed.
type ProcessingJob struct {
	MetadataReadyJob
	ProcessingStartedAt time.Time `json:"processingStartedAt"`
}

func (ProcessingJob) Status() JobStatus { return JobStatusProcessing }

// CompletedJob has a transcript.
type CompletedJob struct {
	ProcessingJob
	TranscriptID string    `json:"transcriptId"`
	CompletedAt  time.Time `json:"completedAt"`
}

func (CompletedJob) Status() JobStatus { return JobStatusCompleted }

// Progress keeps whatever stage fields a job had gathered before it was
// failed or cancelled.
type Progress struct {
	Metadata            *Metadata  `json:"metadata,omitempty"`
	MetadataFetchedAt   *time.Time `json:"metadataFetchedAt,omitempty"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
}

// FailedJob stopped with an error at FailedStage.
type FailedJob struct {
	JobBase
	Progress
	FailedStage JobStatus `json:"failedStage"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failedAt"`
}

func (FailedJob) Status() JobStatus { return JobStatusFailed }

// CancelledJob was stopped on request at CancelledStage.
type CancelledJob struct {
	JobBase
	Progress
	CancelledStage     JobStatus `json:"cancelledStage"`
	CancellationReason string    `json:"cancellationReason"`
	CancelledAt        time.Time `json:"cancelledAt"`
}

func (CancelledJob) Status() JobStatus { return JobStatusCancelled }

// TransitionError rejects a move the transition table does not allow or
// that lacks the fields the target variant needs.
type TransitionError struct {
	From   JobStatus
	To     JobStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ErrInvalidTransition is matched by every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid job transition")

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewQueuedJob creates a fresh job. An empty requestID is replaced with a
// generated one.
func NewQueuedJob(ref media.Reference, requestID string, key *idempotency.Key, now time.Time) QueuedJob {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return QueuedJob{JobBase: JobBase{
		ID:             uuid.New().String(),
		RequestID:      requestID,
		Media:          ref,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: key,
	}}
}

// EnrichWithMetadata moves a queued job to MetadataReady.
func EnrichWithMetadata(j QueuedJob, md Metadata, at time.Time) MetadataReadyJob {
	return MetadataReadyJob{
		JobBase:           j.JobBase.touched(at),
		Metadata:          md,
		MetadataFetchedAt: at,
	}
}

// StartProcessing moves an enriched job to Processing and counts the attempt.
func StartProcessing(j MetadataReadyJob, at time.Time) ProcessingJob {
	next := ProcessingJob{
		MetadataReadyJob:    j,
		ProcessingStartedAt: at,
	}
	next.JobBase = j.JobBase.touched(at)
	next.Attempts++
	return next
}

// Complete attaches the transcript id to a processing job.
func Complete(j ProcessingJob, transcriptID string, at time.Time) (CompletedJob, error) {
	if transcriptID == "" {
		return CompletedJob{}, &TransitionError{From: j.Status(), To: JobStatusCompleted, Reason: "transcript id is required"}
	}
	next := CompletedJob{
		ProcessingJob: j,
		TranscriptID:  transcriptID,
		CompletedAt:   at,
	}
	next.JobBase = j.JobBase.touched(at)
	return next, nil
}

// Fail stops any non-terminal job with msg.
func Fail(j Job, msg string, at time.Time) (FailedJob, error) {
	if j.Status().IsTerminal() {
		return FailedJob{}, &TransitionError{From: j.Status(), To: JobStatusFailed, Reason: "job is terminal"}
	}
	if msg == "" {
		msg = "unspecified failure"
	}
	return FailedJob{
		JobBase:     j.Base().touched(at),
		Progress:    ProgressOf(j),
		FailedStage: j.Status(),
		Error:       msg,
		FailedAt:    at,
	}, nil
}

// Cancel stops any non-terminal job with reason.
func Cancel(j Job, reason string, at time.Time) (CancelledJob, error) {
	if j.Status().IsTerminal() {
		return CancelledJob{}, &TransitionError{From: j.Status(), To: JobStatusCancelled, Reason: "job is terminal"}
	}
	return CancelledJob{
		JobBase:            j.Base().touched(at),
		Progress:           ProgressOf(j),
		CancelledStage:     j.Status(),
		CancellationReason: reason,
		CancelledAt:        at,
	}, nil
}

// ProgressOf extracts the stage fields gathered so far.
func ProgressOf(j Job) Progress {
	switch v := j.(type) {
	case MetadataReadyJob:
		md, fetched := v.Metadata, v.MetadataFetchedAt
		return Progress{Metadata: &md, MetadataFetchedAt: &fetched}
	case ProcessingJob:
		md, fetched, started := v.Metadata, v.MetadataFetchedAt, v.ProcessingStartedAt
		return Progress{Metadata: &md, MetadataFetchedAt: &fetched, ProcessingStartedAt: &started}
	case CompletedJob:
		md, fetched, started := v.Metadata, v.MetadataFetchedAt, v.ProcessingStartedAt
		return Progress{Metadata: &md, MetadataFetchedAt: &fetched, ProcessingStartedAt: &started}
	case FailedJob:
		return v.Progress
	case CancelledJob:
		return v.Progress
	default:
		return Progress{}
	}
}

// TransitionParams carries the fields a target variant may need.
type TransitionParams struct {
	Metadata     *Metadata
	TranscriptID string
	Error        string
	Reason       string
	At           time.Time
}

// Transition builds the variant for to from current, or rejects the move.
func Transition(current Job, to JobStatus, p TransitionParams) (Job, error) {
	from := current.Status()
	if !IsValidStatusTransition(from, to) {
		return nil, &TransitionError{From: from, To: to}
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch to {
	case JobStatusMetadataReady:
		q, ok := current.(QueuedJob)
		if !ok {
			return nil, &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unexpected variant %T", current)}
		}
		if p.Metadata == nil {
			return nil, &TransitionError{From: from, To: to, Reason: "metadata is required"}
		}
		return EnrichWithMetadata(q, *p.Metadata, at), nil
	case JobStatusProcessing:
		m, ok := current.(MetadataReadyJob)
		if !ok {
			return nil, &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unexpected variant %T", current)}
		}
		return StartProcessing(m, at), nil
	case JobStatusCompleted:
		pj, ok := current.(ProcessingJob)
		if !ok {
			return nil, &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unexpected variant %T", current)}
		}
		return Complete(pj, p.TranscriptID, at)
	case JobStatusFailed:
		return Fail(current, p.Error, at)
	case JobStatusCancelled:
		return Cancel(current, p.Reason, at)
	default:
		return nil, &TransitionError{From: from, To: to}
	}
}

// MetadataOf returns the job's metadata when the variant has any.
func MetadataOf(j Job) (Metadata, bool) {
	p := ProgressOf(j)
	if p.Metadata == nil {
		return Metadata{}, false
	}
	return *p.Metadata, true
}
