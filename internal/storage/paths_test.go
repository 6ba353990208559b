package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/mediascribe/pipeline/internal/model"
)

func TestKeyLayout(t *testing.T) {
	cases := map[string]string{
		JobKey(model.JobStatusQueued, "abc"): "jobs/Queued/abc.json",
		IdempotencyIndexKey("f00d"):          "idempotency/f00d.json",
		TranscriptKey("tr-1"):                "transcripts/tr-1.json",
		EventKey("abc", "0001-x"):            "events/abc/0001-x.json",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	}
}

func TestParseJobKey(t *testing.T) {
	for _, status := range model.AllJobStatuses {
		obj, err := ParseJobKey(JobKey(status, "job-1"))
		if err != nil {
			t.Fatalf("ParseJobKey for %s failed: %v", status, err)
		}
		if obj.Status != status || obj.JobID != "job-1" {
			t.Fatalf("unexpected parse result %+v", obj)
		}
	}

	bad := []string{
		"transcripts/tr-1.json",
		"jobs/Queued/",
		"jobs/Queued/job-1",
		"jobs/Queued/nested/job-1.json",
		"jobs/Archived/job-1.json",
		"jobs/job-1.json",
	}
	for _, key := range bad {
		if _, err := ParseJobKey(key); err == nil {
			t.Errorf("expected ParseJobKey(%q) to fail", key)
		}
	}
}

func TestEventIDFromKey(t *testing.T) {
	if got := EventIDFromKey("events/abc/0001-x.json"); got != "0001-x" {
		t.Fatalf("EventIDFromKey = %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, "jobs/Queued/b.json", []byte("b"), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "jobs/Queued/a.json", []byte("a"), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "events/a/1.json", []byte("e"), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	keys := store.Keys("jobs/")
	if len(keys) != 2 || keys[0] != "jobs/Queued/a.json" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Delete(ctx, "jobs/Queued/a.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "jobs/Queued/a.json"); err != nil {
		t.Fatalf("Delete of missing key should be a no-op, got %v", err)
	}
	if got := store.Keys("jobs/"); len(got) != 1 {
		t.Fatalf("expected one job key left, got %v", got)
	}

	boom := errors.New("boom")
	store.FailGet = func(key string) error { return boom }
	if _, err := store.Get(ctx, "jobs/Queued/b.json"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}
