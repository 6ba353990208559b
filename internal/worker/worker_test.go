package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/media"
	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/repository"
	"github.com/mediascribe/pipeline/internal/retry"
	"github.com/mediascribe/pipeline/internal/storage"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeMetadata struct {
	calls   int
	errs    []error
	details model.VideoDetails
}

func (f *fakeMetadata) Fetch(ctx context.Context, mediaID string) (model.VideoDetails, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return model.VideoDetails{}, err
	}
	return f.details, nil
}

type fakeTranscriber struct {
	calls  int
	err    error
	result model.TranscriptionResult
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, job model.ProcessingJob, md model.Metadata) (model.TranscriptionResult, error) {
	f.calls++
	if f.err != nil {
		return model.TranscriptionResult{}, f.err
	}
	return f.result, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.DomainEvent
	opts   []messaging.EncodeOptions
	work   []model.Job
}

func (p *fakePublisher) PublishEvent(ctx context.Context, e model.DomainEvent, opts messaging.EncodeOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := messaging.EncodeDomainEvent(e, opts); err != nil {
		return "", err
	}
	p.events = append(p.events, e)
	p.opts = append(p.opts, opts)
	return "id", nil
}

func (p *fakePublisher) PublishWorkMessage(ctx context.Context, job model.Job, opts messaging.EncodeOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.work = append(p.work, job)
	return "id", nil
}

type fixture struct {
	repo  *repository.JobRepository
	store *storage.MemoryStore
	clock *clock
	pub   *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	c := &clock{now: baseTime}
	return &fixture{
		repo:  repository.NewJobRepository(store, zap.NewNop(), repository.WithClock(c.Now)),
		store: store,
		clock: c,
		pub:   &fakePublisher{},
	}
}

func (f *fixture) createJob(t *testing.T, ref media.Reference) model.Job {
	t.Helper()
	job, err := f.repo.CreateJob(context.Background(), model.NewQueuedJob(ref, "", nil, baseTime))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func (f *fixture) opts() []Option {
	return []Option{WithClock(f.clock.Now), WithRetryPolicy(fastRetry)}
}

func (f *fixture) events(t *testing.T, jobID string) []model.DomainEvent {
	t.Helper()
	events, err := f.repo.ListEvents(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	return events
}

func (f *fixture) status(t *testing.T, jobID string) model.JobStatus {
	t.Helper()
	job, err := f.repo.FindJobByID(context.Background(), jobID)
	if err != nil || job == nil {
		t.Fatalf("FindJobByID(%s) = %v, %v", jobID, job, err)
	}
	return job.Status()
}

func trigger(status model.JobStatus, id string) Trigger {
	return Trigger{Bucket: "jobs-bucket", Name: storage.JobKey(status, id)}
}

func countType(events []model.DomainEvent, typ model.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type() == typ {
			n++
		}
	}
	return n
}

var details = model.VideoDetails{Title: "Episode 12", Channel: "Pod", DurationSeconds: 1800}

func TestMetadataWorkerAdvancesQueuedJob(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, media.YouTube("dQw4w9WgXcQ"))
	id := job.Base().ID
	provider := &fakeMetadata{details: details}
	w := NewMetadataWorker(f.repo, provider, f.pub, zap.NewNop(), f.opts()...)

	res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, id))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != Processed || res.Status != model.JobStatusProcessing {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.status(t, id); got != model.JobStatusProcessing {
		t.Fatalf("status = %s", got)
	}
	stored, _ := f.repo.FindJobByID(context.Background(), id)
	md, ok := model.MetadataOf(stored)
	if !ok || md.Title != "Episode 12" || md.Language != "en" {
		t.Fatalf("metadata not recorded: %+v", md)
	}

	if n := countType(f.events(t, id), model.EventJobStatusChanged); n != 2 {
		t.Fatalf("JobStatusChanged events = %d, want 2", n)
	}
	if len(f.pub.events) != 2 || len(f.pub.work) != 1 {
		t.Fatalf("published events=%d work=%d", len(f.pub.events), len(f.pub.work))
	}
	if f.pub.opts[0].MediaType != media.TypeYouTube {
		t.Fatalf("media type override missing: %+v", f.pub.opts[0])
	}
}

func TestMetadataWorkerSkipsDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, media.YouTube("dQw4w9WgXcQ"))
	id := job.Base().ID
	provider := &fakeMetadata{details: details}
	w := NewMetadataWorker(f.repo, provider, f.pub, zap.NewNop(), f.opts()...)

	if _, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, id)); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	before := f.events(t, id)

	res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, id))
	if err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if res.Outcome != Skipped || res.Status != model.JobStatusProcessing {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if got := f.status(t, id); got != model.JobStatusProcessing {
		t.Fatalf("status changed to %s", got)
	}
	after := f.events(t, id)
	if len(after) != len(before) {
		t.Fatalf("events grew from %d to %d", len(before), len(after))
	}
	if provider.calls != 1 {
		t.Fatalf("provider called %d times", provider.calls)
	}
}

func TestWorkersIgnoreForeignObjects(t *testing.T) {
	f := newFixture(t)
	handlers := map[string]Handler{
		"metadata":      NewMetadataWorker(f.repo, &fakeMetadata{}, nil, nil),
		"transcription": NewTranscriptionWorker(f.repo, f.repo, &fakeTranscriber{}, nil, nil),
		"completion":    NewCompletionRecorder(f.repo, nil, nil),
	}
	names := []string{
		"transcripts/tr-1.json",
		"jobs/Unknown/abc.json",
		"jobs/Failed/abc.json",
		"events/abc/1.json",
	}
	for hname, h := range handlers {
		for _, name := range names {
			res, err := h.Handle(context.Background(), Trigger{Name: name})
			if err != nil || res.Outcome != Ignored {
				t.Errorf("%s: Handle(%s) = %+v, %v", hname, name, res, err)
			}
		}
	}
}

func TestMetadataWorkerSkipsMissingJob(t *testing.T) {
	f := newFixture(t)
	w := NewMetadataWorker(f.repo, &fakeMetadata{}, nil, nil)
	res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, "missing"))
	if err != nil || res.Outcome != Skipped {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
}

func TestMetadataWorkerFailsUnsupportedMedia(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, media.Reference{Type: "vimeo", ID: "12345"})
	id := job.Base().ID
	provider := &fakeMetadata{details: details}
	w := NewMetadataWorker(f.repo, provider, f.pub, nil, f.opts()...)

	res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, id))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != Failed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if provider.calls != 0 {
		t.Fatal("provider called for unsupported media")
	}
	if got := f.status(t, id); got != model.JobStatusFailed {
		t.Fatalf("status = %s", got)
	}
	if n := countType(f.events(t, id), model.EventJobFailed); n != 1 {
		t.Fatalf("JobFailed events = %d", n)
	}
}

func TestMetadataWorkerRetriesThenFails(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantOut   Outcome
	}{
		{"recovers", []error{errors.New("timeout")}, 2, Processed},
		{"exhausts", []error{errors.New("a"), errors.New("b"), errors.New("c")}, 3, Failed},
		{"permanent", []error{retry.Permanent(errors.New("video not found"))}, 1, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.createJob(t, media.YouTube("dQw4w9WgXcQ"))
			provider := &fakeMetadata{errs: tt.errs, details: details}
			w := NewMetadataWorker(f.repo, provider, f.pub, nil, f.opts()...)

			res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, job.Base().ID))
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if res.Outcome != tt.wantOut || provider.calls != tt.wantCalls {
				t.Fatalf("outcome=%s calls=%d", res.Outcome, provider.calls)
			}
			if tt.wantOut == Failed && countType(f.pub.events, model.EventJobFailed) != 1 {
				t.Fatal("JobFailed not published")
			}
		})
	}
}

func TestMetadataWorkerFailsOnUntitledMedia(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, media.YouTube("dQw4w9WgXcQ"))
	w := NewMetadataWorker(f.repo, &fakeMetadata{details: model.VideoDetails{Channel: "Pod"}}, nil, nil, f.opts()...)
	res, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, job.Base().ID))
	if err != nil || res.Outcome != Failed {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
}

func processingJob(t *testing.T, f *fixture) string {
	t.Helper()
	job := f.createJob(t, media.YouTube("dQw4w9WgXcQ"))
	w := NewMetadataWorker(f.repo, &fakeMetadata{details: details}, nil, nil, f.opts()...)
	if _, err := w.Handle(context.Background(), trigger(model.JobStatusQueued, job.Base().ID)); err != nil {
		t.Fatalf("metadata step failed: %v", err)
	}
	return job.Base().ID
}

var transcription = model.TranscriptionResult{
	Turns: []model.DialogueTurn{
		{Timestamp: "00:00:01", Speaker: model.SpeakerHost, Text: "Welcome back."},
		{Timestamp: "00:00:04", Speaker: model.SpeakerGuest, Text: "Thanks for having me."},
	},
	Provenance: model.Provenance{Provider: "groq", Model: "whisper-large-v3"},
}

func TestTranscriptionWorkerCompletesJob(t *testing.T) {
	f := newFixture(t)
	id := processingJob(t, f)
	provider := &fakeTranscriber{result: transcription}
	w := NewTranscriptionWorker(f.repo, f.repo, provider, f.pub, nil, f.opts()...)

	res, err := w.Handle(context.Background(), trigger(model.JobStatusProcessing, id))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != Processed || res.Status != model.JobStatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}

	stored, _ := f.repo.FindJobByID(context.Background(), id)
	done, ok := stored.(model.CompletedJob)
	if !ok {
		t.Fatalf("job is %T", stored)
	}
	tr, err := f.repo.GetTranscript(context.Background(), done.TranscriptID)
	if err != nil || tr == nil {
		t.Fatalf("GetTranscript = %v, %v", tr, err)
	}
	if tr.JobID != id || len(tr.Turns) != 2 || tr.RawText == "" {
		t.Fatalf("unexpected transcript %+v", tr)
	}

	again, err := w.Handle(context.Background(), trigger(model.JobStatusProcessing, id))
	if err != nil || again.Outcome != Skipped {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider called %d times", provider.calls)
	}
}

func TestTranscriptionWorkerFailsOnEmptyResult(t *testing.T) {
	f := newFixture(t)
	id := processingJob(t, f)
	provider := &fakeTranscriber{}
	w := NewTranscriptionWorker(f.repo, f.repo, provider, nil, nil, f.opts()...)

	res, err := w.Handle(context.Background(), trigger(model.JobStatusProcessing, id))
	if err != nil || res.Outcome != Failed {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
	if provider.calls != 1 {
		t.Fatalf("empty result retried: %d calls", provider.calls)
	}
	stored, _ := f.repo.FindJobByID(context.Background(), id)
	failed, ok := stored.(model.FailedJob)
	if !ok || failed.FailedStage != model.JobStatusProcessing || failed.Metadata == nil {
		t.Fatalf("unexpected failed job %+v", stored)
	}
}

func TestTranscriptionWorkerReturnsErrorOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	id := processingJob(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeTranscriber{err: errors.New("timeout")}
	w := NewTranscriptionWorker(f.repo, f.repo, provider, nil, nil,
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}))

	go cancel()
	if _, err := w.Handle(ctx, trigger(model.JobStatusProcessing, id)); err == nil {
		t.Fatal("expected error for redelivery")
	}
	if got := f.status(t, id); got != model.JobStatusProcessing {
		t.Fatalf("status = %s", got)
	}
}

func TestCompletionRecorderIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := processingJob(t, f)
	tw := NewTranscriptionWorker(f.repo, f.repo, &fakeTranscriber{result: transcription}, nil, nil, f.opts()...)
	if _, err := tw.Handle(context.Background(), trigger(model.JobStatusProcessing, id)); err != nil {
		t.Fatalf("transcription failed: %v", err)
	}

	r := NewCompletionRecorder(f.repo, f.pub, nil, f.opts()...)

	res, err := r.Handle(context.Background(), trigger(model.JobStatusCompleted, id))
	if err != nil || res.Outcome != Processed {
		t.Fatalf("first Handle = %+v, %v", res, err)
	}
	res, err = r.Handle(context.Background(), trigger(model.JobStatusCompleted, id))
	if err != nil || res.Outcome != Skipped {
		t.Fatalf("second Handle = %+v, %v", res, err)
	}

	if n := countType(f.events(t, id), model.EventTranscriptComplete); n != 1 {
		t.Fatalf("TranscriptComplete events = %d", n)
	}
	if n := countType(f.pub.events, model.EventTranscriptComplete); n != 1 {
		t.Fatalf("published TranscriptComplete = %d", n)
	}
}

func TestCompletionRecorderSkipsUnfinishedJob(t *testing.T) {
	f := newFixture(t)
	id := processingJob(t, f)
	r := NewCompletionRecorder(f.repo, nil, nil)
	res, err := r.Handle(context.Background(), trigger(model.JobStatusCompleted, id))
	if err != nil || res.Outcome != Skipped {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
}
