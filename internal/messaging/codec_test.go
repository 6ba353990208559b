package messaging

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mediascribe/pipeline/internal/idempotency"
	"github.com/mediascribe/pipeline/internal/media"
	"github.com/mediascribe/pipeline/internal/model"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func queuedJob(t *testing.T) model.QueuedJob {
	t.Helper()
	ref := media.YouTube("dQw4w9WgXcQ")
	key, err := idempotency.Generate("jobs", ref, "req-key")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return model.NewQueuedJob(ref, "request-1", &key, t0)
}

func processingJob(t *testing.T) model.ProcessingJob {
	t.Helper()
	md := model.Metadata{Title: "Deep Dive", Channel: "Tech Talks", Speakers: []string{"Tech Talks"}, Language: "en"}
	return model.StartProcessing(model.EnrichWithMetadata(queuedJob(t), md, t0.Add(time.Minute)), t0.Add(2*time.Minute))
}

func TestEncodeDerivesAttributes(t *testing.T) {
	q := queuedJob(t)
	tr := model.Transcript{
		ID:        "tr-1",
		JobID:     q.ID,
		Media:     q.Media,
		RawText:   "hello",
		Turns:     []model.DialogueTurn{{Timestamp: "00:00:01", Speaker: model.SpeakerHost, Text: "hello"}},
		CreatedAt: t0,
		UpdatedAt: t0,
	}

	tests := []struct {
		name      string
		event     model.DomainEvent
		opts      EncodeOptions
		wantStage string
		wantMedia string
	}{
		{
			name:      "queued job",
			event:     model.JobQueued{Job: q, OccurredAt: t0},
			wantStage: "Queued",
			wantMedia: "youtube",
		},
		{
			name:      "status change with override",
			event:     model.JobStatusChanged{JobID: q.ID, RequestID: q.RequestID, From: model.JobStatusQueued, To: model.JobStatusMetadataReady, OccurredAt: t0},
			opts:      EncodeOptions{MediaType: media.TypeYouTube},
			wantStage: "MetadataReady",
			wantMedia: "youtube",
		},
		{
			name:      "failure with override",
			event:     model.JobFailed{JobID: q.ID, RequestID: q.RequestID, Error: "boom", Attempts: 1, OccurredAt: t0},
			opts:      EncodeOptions{MediaType: media.TypeYouTube},
			wantStage: "Failed",
			wantMedia: "youtube",
		},
		{
			name:      "transcript complete",
			event:     model.TranscriptComplete{JobID: q.ID, RequestID: q.RequestID, Transcript: tr, OccurredAt: t0},
			wantStage: "Completed",
			wantMedia: "youtube",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := EncodeDomainEvent(tt.event, tt.opts)
			if err != nil {
				t.Fatalf("EncodeDomainEvent failed: %v", err)
			}
			want := map[string]string{
				AttrJobID:         q.ID,
				AttrRequestID:     q.RequestID,
				AttrMediaType:     tt.wantMedia,
				AttrStage:         tt.wantStage,
				AttrSchemaVersion: CurrentSchemaVersion,
				AttrEventType:     string(tt.event.Type()),
			}
			if !reflect.DeepEqual(msg.Attributes, want) {
				t.Fatalf("attributes = %v, want %v", msg.Attributes, want)
			}

			decoded, err := DecodeDomainEvent(msg)
			if err != nil {
				t.Fatalf("DecodeDomainEvent failed: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.event) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", decoded, tt.event)
			}
		})
	}
}

func TestEncodeFailedWithoutMediaTypeProducesNoBytes(t *testing.T) {
	q := queuedJob(t)
	for _, e := range []model.DomainEvent{
		model.JobFailed{JobID: q.ID, RequestID: q.RequestID, Error: "boom", Attempts: 1, OccurredAt: t0},
		model.JobStatusChanged{JobID: q.ID, RequestID: q.RequestID, From: model.JobStatusQueued, To: model.JobStatusFailed, OccurredAt: t0},
	} {
		msg, err := EncodeDomainEvent(e, EncodeOptions{})
		var encErr *MessageEncodingError
		if !errors.As(err, &encErr) {
			t.Fatalf("%s: expected MessageEncodingError, got %v", e.Type(), err)
		}
		if encErr.Stage != StageEncode {
			t.Fatalf("%s: stage = %s", e.Type(), encErr.Stage)
		}
		if msg.Data != nil || msg.Attributes != nil {
			t.Fatalf("%s: bytes produced despite failure: %+v", e.Type(), msg)
		}
	}
}

func TestEncodeOptionsOverride(t *testing.T) {
	q := queuedJob(t)
	msg, err := EncodeDomainEvent(model.JobQueued{Job: q, OccurredAt: t0}, EncodeOptions{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("EncodeDomainEvent failed: %v", err)
	}
	if msg.Attributes[AttrCorrelationID] != "corr-1" {
		t.Fatalf("correlation id not carried: %v", msg.Attributes)
	}
}

func TestWorkMessageRoundTrip(t *testing.T) {
	jobs := []model.Job{queuedJob(t), processingJob(t)}
	for _, job := range jobs {
		msg, err := EncodeWorkMessage(job, EncodeOptions{})
		if err != nil {
			t.Fatalf("EncodeWorkMessage(%s) failed: %v", job.Status(), err)
		}
		if msg.Attributes[AttrStage] != string(job.Status()) {
			t.Fatalf("stage = %s, want %s", msg.Attributes[AttrStage], job.Status())
		}
		got, err := DecodeWorkMessage(msg)
		if err != nil {
			t.Fatalf("DecodeWorkMessage failed: %v", err)
		}
		if !reflect.DeepEqual(got, job) {
			t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, job)
		}
	}
}

func TestDecodeStages(t *testing.T) {
	good, err := EncodeDomainEvent(model.JobQueued{Job: queuedJob(t), OccurredAt: t0}, EncodeOptions{})
	if err != nil {
		t.Fatalf("EncodeDomainEvent failed: %v", err)
	}
	withAttr := func(k, v string) map[string]string {
		attrs := map[string]string{}
		for key, val := range good.Attributes {
			attrs[key] = val
		}
		if v == "" {
			delete(attrs, k)
		} else {
			attrs[k] = v
		}
		return attrs
	}
	emptyPayload, _ := json.Marshal(map[string]interface{}{"type": "JobQueued", "occurredAt": t0, "payload": map[string]interface{}{}})

	tests := []struct {
		name  string
		msg   Message
		stage string
	}{
		{"empty body", Message{Attributes: good.Attributes}, StageBytes},
		{"invalid utf8", Message{Data: []byte{0xff, 0xfe, 0xfd}, Attributes: good.Attributes}, StageBytes},
		{"not json", Message{Data: []byte("not json"), Attributes: good.Attributes}, StageJSON},
		{"missing version", Message{Data: good.Data, Attributes: withAttr(AttrSchemaVersion, "")}, StageSchema},
		{"unknown version", Message{Data: good.Data, Attributes: withAttr(AttrSchemaVersion, "99")}, StageSchema},
		{"type mismatch", Message{Data: good.Data, Attributes: withAttr(AttrEventType, "JobFailed")}, StageSchema},
		{"job id mismatch", Message{Data: good.Data, Attributes: withAttr(AttrJobID, "someone-else")}, StageSchema},
		{"payload missing fields", Message{Data: emptyPayload, Attributes: withAttr(AttrJobID, "")}, StageSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDomainEvent(tt.msg)
			var encErr *MessageEncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("expected MessageEncodingError, got %v", err)
			}
			if encErr.Stage != tt.stage {
				t.Fatalf("stage = %s, want %s (%v)", encErr.Stage, tt.stage, err)
			}
		})
	}
}

func TestDecodeWorkMessageRejectsOtherEvents(t *testing.T) {
	msg, err := EncodeDomainEvent(model.JobQueued{Job: queuedJob(t), OccurredAt: t0}, EncodeOptions{})
	if err != nil {
		t.Fatalf("EncodeDomainEvent failed: %v", err)
	}
	if _, err := DecodeWorkMessage(msg); err == nil {
		t.Fatal("expected error decoding JobQueued as work message")
	}
}

func TestMessageEncodingErrorFormatsContextSorted(t *testing.T) {
	err := &MessageEncodingError{Stage: StageSchema, Message: "bad", Context: map[string]string{"b": "2", "a": "1"}}
	if got, want := err.Error(), "message schema: bad (a=1, b=2)"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
