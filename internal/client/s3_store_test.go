package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/storage"
)

// fakeS3 serves the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><Name>` + f.bucket + `</Name><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}
		fmt.Fprintf(&b, "<KeyCount>%d</KeyCount></ListBucketResult>", len(keys))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(b.String()))
	case r.Method == http.MethodPut:
		if _, exists := f.objects[key]; exists && r.Header.Get("If-None-Match") == "*" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`))
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
			return
		}
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "jobs-bucket", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(&config.R2Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        srv.URL,
		Region:          "us-east-1",
	}, fake.bucket, time.Minute)
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return store, fake
}

func TestS3StoreRoundTrip(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	if err := store.Put(ctx, "jobs/Queued/a.json", []byte(`{"id":"a"}`), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "jobs/Queued/b.json", []byte(`{"id":"b"}`), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "transcripts/t.json", []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "jobs/Queued/a.json")
	if err != nil || string(got) != `{"id":"a"}` {
		t.Fatalf("Get = %q, %v", got, err)
	}

	objs, err := store.List(ctx, "jobs/Queued/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "jobs/Queued/a.json" || objs[0].Size != 10 {
		t.Fatalf("List = %+v", objs)
	}

	if err := store.Delete(ctx, "jobs/Queued/a.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := fake.objects["jobs/Queued/a.json"]; ok {
		t.Fatal("object still present after delete")
	}
	if _, err := store.Get(ctx, "jobs/Queued/a.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestS3StorePutIfAbsent(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()
	key := "idempotency/f00d.json"

	tests := []struct {
		name            string
		body            string
		wantPrecondFail bool
	}{
		{"first write", `{"jobId":"a"}`, false},
		{"second write", `{"jobId":"b"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.PutIfAbsent(ctx, key, []byte(tt.body), "application/json")
			if got := errors.Is(err, storage.ErrPreconditionFailed); got != tt.wantPrecondFail {
				t.Fatalf("precondition failed = %v, want %v (%v)", got, tt.wantPrecondFail, err)
			}
			if !tt.wantPrecondFail && err != nil {
				t.Fatalf("PutIfAbsent failed: %v", err)
			}
		})
	}
	if got := string(fake.objects[key]); got != `{"jobId":"a"}` {
		t.Fatalf("stored object = %q, want the first write", got)
	}
}

func TestS3StoreSignedURL(t *testing.T) {
	store, _ := newTestS3Store(t)
	u, err := store.SignedURL(context.Background(), "transcripts/t.json")
	if err != nil {
		t.Fatalf("SignedURL failed: %v", err)
	}
	if !strings.Contains(u, "/jobs-bucket/transcripts/t.json") || !strings.Contains(u, "X-Amz-Signature=") {
		t.Fatalf("unexpected signed url %q", u)
	}
}

func TestNewS3StoreValidation(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.R2Config
		bucket string
	}{
		{"no credentials", config.R2Config{AccountID: "acc"}, "b"},
		{"no bucket", config.R2Config{AccountID: "acc", AccessKeyID: "k", SecretAccessKey: "s"}, ""},
		{"no endpoint", config.R2Config{AccessKeyID: "k", SecretAccessKey: "s"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewS3Store(&tt.cfg, tt.bucket, time.Minute); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMapMinioError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey"}, true},
		{"no such object", minio.ErrorResponse{Code: "NoSuchObject"}, true},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied"}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapMinioError("k", tt.err)
			if got := errors.Is(err, storage.ErrNotFound); got != tt.notFound {
				t.Fatalf("not found = %v, want %v (%v)", got, tt.notFound, err)
			}
		})
	}
}
