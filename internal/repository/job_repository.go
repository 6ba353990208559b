package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/idempotency"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/storage"
)

const contentTypeJSON = "application/json"

// JobRepository persists jobs, their event logs, idempotency index records
// and transcripts in an object store, one key prefix per collection.
//
// A status change writes the job under its new prefix and then deletes the
// old object. The pair is not atomic and carries no generation check, so a
// concurrent reader can see the job under both prefixes or briefly under
// neither.
type JobRepository struct {
	store  storage.ObjectStore
	logger *zap.Logger
	now    func() time.Time
}

// Option customises a JobRepository.
type Option func(*JobRepository)

// WithClock overrides the time source used for transitions and records.
func WithClock(now func() time.Time) Option {
	return func(r *JobRepository) { r.now = now }
}

func NewJobRepository(store storage.ObjectStore, logger *zap.Logger, opts ...Option) *JobRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &JobRepository{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// claimGrace is how long a fresh index record whose job object is not yet
// visible still counts as held by a concurrent create.
const claimGrace = time.Minute

type idempotencyRecord struct {
	JobID     string          `json:"jobId"`
	Key       string          `json:"key"`
	CreatedAt time.Time       `json:"createdAt"`
	Job       json.RawMessage `json:"job,omitempty"`
}

// CreateJob stores a new queued job. When the job carries an idempotency key
// that already resolves to a live job, nothing is written and a
// *JobConflictError holding the existing job is returned.
//
// The index record is claimed with a create-if-absent put before the job
// object is written, so concurrent submissions with the same key store one
// job between them.
func (r *JobRepository) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	if job == nil {
		return nil, opError(OpCreateJob, "job is nil", nil)
	}
	if job.Status() != model.JobStatusQueued {
		return nil, opError(OpCreateJob, fmt.Sprintf("new jobs must be %s, got %s", model.JobStatusQueued, job.Status()), nil)
	}
	base := job.Base()
	if base.ID == "" {
		return nil, opError(OpCreateJob, "job id is required", nil)
	}

	data, err := model.MarshalJob(job)
	if err != nil {
		return nil, opError(OpCreateJob, "encode job", err)
	}

	if base.IdempotencyKey != nil {
		existing, err := r.FindJobByIdempotencyKey(ctx, *base.IdempotencyKey)
		if err != nil {
			return nil, opError(OpCreateJob, "idempotency lookup failed", err)
		}
		if existing != nil {
			return nil, &JobConflictError{Existing: existing}
		}
		if err := r.claimIdempotencyKey(ctx, *base.IdempotencyKey, base.ID, data); err != nil {
			return nil, err
		}
	}

	if err := r.store.Put(ctx, storage.JobKey(job.Status(), base.ID), data, contentTypeJSON); err != nil {
		return nil, opError(OpCreateJob, "write job object", err)
	}

	if err := r.AppendEvent(ctx, model.JobQueued{Job: job, OccurredAt: r.now()}); err != nil {
		return nil, opError(OpCreateJob, "append JobQueued event", err)
	}

	r.logger.Info("job created",
		zap.String("job_id", base.ID),
		zap.String("request_id", base.RequestID),
		zap.String("media", base.Media.String()),
	)
	return job, nil
}

// claimIdempotencyKey writes the index record for key only if none exists.
// A record left by an expired or abandoned create is replaced; one that
// still resolves to a job yields a *JobConflictError.
func (r *JobRepository) claimIdempotencyKey(ctx context.Context, key idempotency.Key, jobID string, snapshot []byte) error {
	indexKey := storage.IdempotencyIndexKey(idempotency.Hash(key))
	rec := idempotencyRecord{
		JobID:     jobID,
		Key:       key.String(),
		CreatedAt: r.now(),
		Job:       snapshot,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return opError(OpCreateJob, "encode idempotency index", err)
	}

	err = r.store.PutIfAbsent(ctx, indexKey, payload, contentTypeJSON)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return opError(OpCreateJob, "write idempotency index", err)
	}

	holder, err := r.resolveClaim(ctx, indexKey)
	if err != nil {
		return opError(OpCreateJob, "resolve idempotency claim", err)
	}
	if holder != nil {
		return &JobConflictError{Existing: holder}
	}

	r.logger.Info("replacing stale idempotency index",
		zap.String("job_id", jobID),
		zap.String("key", indexKey),
	)
	if err := r.store.Put(ctx, indexKey, payload, contentTypeJSON); err != nil {
		return opError(OpCreateJob, "write idempotency index", err)
	}
	return nil
}

// resolveClaim returns the job holding an existing index record, or nil when
// the record is expired or no longer backed by a job.
func (r *JobRepository) resolveClaim(ctx context.Context, indexKey string) (model.Job, error) {
	data, err := r.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	now := r.now()
	if rec.JobID == "" || idempotency.IsExpired(rec.CreatedAt, now) {
		return nil, nil
	}

	job, err := r.FindJobByID(ctx, rec.JobID)
	if err != nil || job != nil {
		return job, err
	}
	// The holder claimed the key but has not written its job object yet.
	if len(rec.Job) > 0 && now.Sub(rec.CreatedAt) < claimGrace {
		return model.UnmarshalJob(rec.Job)
	}
	return nil, nil
}

// FindJobByID looks the job up under every status prefix at once and
// returns the first hit. A nil job with a nil error means the job is absent.
// Per-prefix read failures count as misses; only when every prefix fails is
// an error returned.
func (r *JobRepository) FindJobByID(ctx context.Context, id string) (model.Job, error) {
	if id == "" {
		return nil, opError(OpFindByID, "job id is required", nil)
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type lookup struct {
		status model.JobStatus
		job    model.Job
		err    error
	}
	results := make(chan lookup, len(model.AllJobStatuses))
	for _, status := range model.AllJobStatuses {
		go func(status model.JobStatus) {
			job, err := r.readJobAt(lookupCtx, status, id)
			results <- lookup{status: status, job: job, err: err}
		}(status)
	}

	var (
		failures    int
		lastErr     error
		interrupted error
	)
	for range model.AllJobStatuses {
		res := <-results
		if res.job != nil {
			return res.job, nil
		}
		if res.err == nil {
			continue
		}
		if isContextError(res.err) {
			interrupted = res.err
			continue
		}
		failures++
		lastErr = res.err
		r.logger.Debug("job lookup miss",
			zap.String("job_id", id),
			zap.String("status", string(res.status)),
			zap.Error(res.err),
		)
	}

	// A cancelled lookup says nothing about whether the job exists.
	if err := ctx.Err(); err != nil {
		return nil, opError(OpFindByID, fmt.Sprintf("lookup of job %s interrupted", id), err)
	}
	if interrupted != nil {
		return nil, opError(OpFindByID, fmt.Sprintf("lookup of job %s interrupted", id), interrupted)
	}
	if failures == len(model.AllJobStatuses) {
		return nil, opError(OpFindByID, fmt.Sprintf("every status lookup for job %s failed", id), lastErr)
	}
	return nil, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *JobRepository) readJobAt(ctx context.Context, status model.JobStatus, id string) (model.Job, error) {
	data, err := r.store.Get(ctx, storage.JobKey(status, id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	job, err := model.UnmarshalJob(data)
	if err != nil {
		return nil, err
	}
	if job.Status() != status {
		r.logger.Warn("job object status disagrees with its prefix",
			zap.String("job_id", id),
			zap.String("prefix", string(status)),
			zap.String("status", string(job.Status())),
		)
		return nil, nil
	}
	return job, nil
}

// FindJobByIdempotencyKey resolves the index record for key. Missing,
// expired or dangling records resolve to nil.
func (r *JobRepository) FindJobByIdempotencyKey(ctx context.Context, key idempotency.Key) (model.Job, error) {
	data, err := r.store.Get(ctx, storage.IdempotencyIndexKey(idempotency.Hash(key)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, opError(OpFindByIdempotencyKey, "read idempotency index", err)
	}

	var rec idempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, opError(OpFindByIdempotencyKey, "decode idempotency index", err)
	}
	if rec.JobID == "" || idempotency.IsExpired(rec.CreatedAt, r.now()) {
		return nil, nil
	}

	job, err := r.FindJobByID(ctx, rec.JobID)
	if err != nil {
		return nil, opError(OpFindByIdempotencyKey, "resolve indexed job", err)
	}
	return job, nil
}

// UpdateJobStatus moves a job to status to. The new object is written
// before the old one is deleted; a failed delete is logged and ignored
// because the new object is authoritative.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, params model.TransitionParams) (model.Job, error) {
	current, err := r.FindJobByID(ctx, id)
	if err != nil {
		return nil, opError(OpUpdateStatus, "load job", err)
	}
	if current == nil {
		return nil, opError(OpUpdateStatus, fmt.Sprintf("job %s not found", id), ErrJobNotFound)
	}

	if params.At.IsZero() {
		params.At = r.now()
	}
	next, err := model.Transition(current, to, params)
	if err != nil {
		return nil, opError(OpUpdateStatus, fmt.Sprintf("transition job %s", id), err)
	}

	data, err := model.MarshalJob(next)
	if err != nil {
		return nil, opError(OpUpdateStatus, "encode job", err)
	}
	if err := r.store.Put(ctx, storage.JobKey(next.Status(), id), data, contentTypeJSON); err != nil {
		return nil, opError(OpUpdateStatus, "write job object", err)
	}

	oldKey := storage.JobKey(current.Status(), id)
	if err := r.store.Delete(ctx, oldKey); err != nil {
		r.logger.Warn("failed to delete previous job object",
			zap.String("job_id", id),
			zap.String("key", oldKey),
			zap.Error(err),
		)
	}

	base := next.Base()
	changed := model.JobStatusChanged{
		JobID:      id,
		RequestID:  base.RequestID,
		From:       current.Status(),
		To:         next.Status(),
		OccurredAt: params.At,
	}
	if err := r.AppendEvent(ctx, changed); err != nil {
		return nil, opError(OpUpdateStatus, "append JobStatusChanged event", err)
	}
	if failed, ok := next.(model.FailedJob); ok {
		ev := model.JobFailed{
			JobID:      id,
			RequestID:  base.RequestID,
			Error:      failed.Error,
			Attempts:   base.Attempts,
			OccurredAt: params.At,
		}
		if err := r.AppendEvent(ctx, ev); err != nil {
			return nil, opError(OpUpdateStatus, "append JobFailed event", err)
		}
	}

	r.logger.Info("job status updated",
		zap.String("job_id", id),
		zap.String("from", string(current.Status())),
		zap.String("to", string(next.Status())),
	)
	return next, nil
}

// ListJobs returns every job stored under status. Objects that vanish
// between listing and reading are skipped.
func (r *JobRepository) ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	if !status.Valid() {
		return nil, opError(OpListJobs, fmt.Sprintf("unknown status %q", status), nil)
	}
	infos, err := r.store.List(ctx, storage.JobStatusPrefix(status))
	if err != nil {
		return nil, opError(OpListJobs, "list job objects", err)
	}

	jobs := make([]model.Job, 0, len(infos))
	for _, info := range infos {
		obj, err := storage.ParseJobKey(info.Key)
		if err != nil {
			continue
		}
		job, err := r.readJobAt(ctx, status, obj.JobID)
		if err != nil {
			return nil, opError(OpListJobs, "read job "+obj.JobID, err)
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (r *JobRepository) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.store.Put(ctx, key, data, contentTypeJSON)
}
