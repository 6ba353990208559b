package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != StorageMemory || cfg.Broker.Backend != BrokerAsynq {
		t.Fatalf("unexpected backends: %+v %+v", cfg.Storage, cfg.Broker)
	}
	p := cfg.Publisher()
	if p.Topics.Work != "work" || p.Topics.Events != "events" || p.Topics.DeadLetter != "dead-letter" {
		t.Fatalf("unexpected topics: %+v", p.Topics)
	}
	if p.Concurrency != 4 || p.Retry.MaxAttempts != 5 || p.Retry.BaseDelay != 500*time.Millisecond || p.Retry.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected publisher defaults: %+v", p)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PUBSUB_WORK_TOPIC", "jobs-work")
	t.Setenv("PUBSUB_MAX_ATTEMPTS", "7")
	t.Setenv("PUBSUB_BASE_DELAY", "250ms")
	t.Setenv("STORAGE_BUCKET", "transcripts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PubSub.WorkTopic != "jobs-work" || cfg.PubSub.MaxAttempts != 7 || cfg.PubSub.BaseDelay != 250*time.Millisecond {
		t.Fatalf("environment not applied: %+v", cfg.PubSub)
	}
	if cfg.Storage.Bucket != "transcripts" {
		t.Fatalf("bucket = %s", cfg.Storage.Bucket)
	}
}

func TestLoadReadsSecretFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groq")
	if err := os.WriteFile(path, []byte("secret-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("GROQ_API_KEY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Groq.APIKey != "secret-key" {
		t.Fatalf("APIKey = %q", cfg.Groq.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"zero concurrency", map[string]string{"PUBSUB_CONCURRENCY": "0"}, "concurrency"},
		{"zero attempts", map[string]string{"PUBSUB_MAX_ATTEMPTS": "0"}, "attempts"},
		{"unknown storage", map[string]string{"STORAGE_BACKEND": "floppy"}, "unknown backend"},
		{"r2 without credentials", map[string]string{"STORAGE_BACKEND": "r2"}, "r2 backend"},
		{"minio trigger without minio storage", map[string]string{"TRIGGER_SOURCE": "minio"}, "minio trigger"},
		{"default secret in production", map[string]string{"SERVER_ENV": "production"}, "default secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEmptyProjectID(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{Backend: StorageMemory, Bucket: "b"},
		Broker:  BrokerConfig{Backend: BrokerAsynq, TriggerSource: TriggerAsynq},
		PubSub: PubSubConfig{
			WorkTopic: "w", EventsTopic: "e", DeadLetterTopic: "d",
			Concurrency: 1, MaxAttempts: 1,
		},
		Worker: WorkerConfig{Concurrency: 1},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "project id") {
		t.Fatalf("Validate() = %v", err)
	}
	cfg.PubSub.ProjectID = "p"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}
