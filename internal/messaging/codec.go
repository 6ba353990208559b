// Package messaging turns domain events into broker messages and delivers
// them with bounded retries.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mediascribe/pipeline/internal/media"
	"github.com/mediascribe/pipeline/internal/model"
)

// CurrentSchemaVersion is stamped on every message unless overridden.
const CurrentSchemaVersion = "1"

var supportedSchemaVersions = map[string]bool{
	CurrentSchemaVersion: true,
}

// Routing attribute names.
const (
	AttrJobID         = "jobId"
	AttrRequestID     = "requestId"
	AttrMediaType     = "mediaType"
	AttrStage         = "stage"
	AttrSchemaVersion = "schemaVersion"
	AttrEventType     = "eventType"
	AttrCorrelationID = "correlationId"
)

// Message is the broker envelope: UTF-8 JSON body plus routing attributes
// brokers can filter on without parsing the body.
type Message struct {
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes"`
}

// EncodeOptions tune attribute derivation.
type EncodeOptions struct {
	SchemaVersion string
	CorrelationID string
	// MediaType is required for events that do not carry the job's media
	// (JobStatusChanged, JobFailed) and overrides the derived value otherwise.
	MediaType media.Type
}

func encodingError(stage, msg string, ctx map[string]string, err error) *MessageEncodingError {
	return &MessageEncodingError{Stage: stage, Message: msg, Context: ctx, Err: err}
}

func derivedMediaType(e model.DomainEvent) media.Type {
	switch v := e.(type) {
	case model.JobQueued:
		if v.Job != nil {
			return v.Job.Base().Media.Type
		}
	case model.WorkMessage:
		if v.Job != nil {
			return v.Job.Base().Media.Type
		}
	case model.TranscriptComplete:
		return v.Transcript.Media.Type
	}
	return ""
}

func eventStage(e model.DomainEvent) model.JobStatus {
	switch v := e.(type) {
	case model.JobQueued:
		if v.Job != nil {
			return v.Job.Status()
		}
	case model.WorkMessage:
		if v.Job != nil {
			return v.Job.Status()
		}
	case model.JobStatusChanged:
		return v.To
	case model.JobFailed:
		return model.JobStatusFailed
	case model.TranscriptComplete:
		return model.JobStatusCompleted
	}
	return ""
}

// EncodeDomainEvent serializes e and derives its routing attributes. All
// attributes are resolved before any bytes are produced.
func EncodeDomainEvent(e model.DomainEvent, opts EncodeOptions) (Message, error) {
	if e == nil {
		return Message{}, encodingError(StageEncode, "event is nil", nil, nil)
	}
	subject := e.Subject()
	ctx := map[string]string{AttrEventType: string(e.Type()), AttrJobID: subject.JobID}

	mediaType := opts.MediaType
	if mediaType == "" {
		mediaType = derivedMediaType(e)
	}
	if mediaType == "" {
		return Message{}, encodingError(StageEncode, "media type cannot be derived and no override was given", ctx, nil)
	}
	if subject.JobID == "" || subject.RequestID == "" {
		return Message{}, encodingError(StageEncode, "event has no job or request id", ctx, nil)
	}

	version := opts.SchemaVersion
	if version == "" {
		version = CurrentSchemaVersion
	}

	attrs := map[string]string{
		AttrJobID:         subject.JobID,
		AttrRequestID:     subject.RequestID,
		AttrMediaType:     string(mediaType),
		AttrStage:         string(eventStage(e)),
		AttrSchemaVersion: version,
		AttrEventType:     string(e.Type()),
	}
	if opts.CorrelationID != "" {
		attrs[AttrCorrelationID] = opts.CorrelationID
	}

	data, err := model.MarshalEvent(e)
	if err != nil {
		return Message{}, encodingError(StageEncode, "serialize event", ctx, err)
	}
	return Message{Data: data, Attributes: attrs}, nil
}

// EncodeWorkMessage wraps job in a WorkMessage event.
func EncodeWorkMessage(job model.Job, opts EncodeOptions) (Message, error) {
	if job == nil {
		return Message{}, encodingError(StageEncode, "job is nil", nil, nil)
	}
	return EncodeDomainEvent(model.WorkMessage{Job: job, OccurredAt: time.Now().UTC()}, opts)
}

// DecodeDomainEvent reverses EncodeDomainEvent: byte decoding, JSON parsing
// and schema validation, failing at the first stage that breaks.
func DecodeDomainEvent(msg Message) (model.DomainEvent, error) {
	ctx := map[string]string{}
	for _, k := range []string{AttrEventType, AttrJobID, AttrSchemaVersion} {
		if v, ok := msg.Attributes[k]; ok {
			ctx[k] = v
		}
	}

	if len(msg.Data) == 0 {
		return nil, encodingError(StageBytes, "message has no body", ctx, nil)
	}
	if !utf8.Valid(msg.Data) {
		return nil, encodingError(StageBytes, "body is not valid UTF-8", ctx, nil)
	}

	var env model.EventEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, encodingError(StageJSON, "body is not a JSON event envelope", ctx, err)
	}

	version := msg.Attributes[AttrSchemaVersion]
	if version == "" {
		return nil, encodingError(StageSchema, "missing schemaVersion attribute", ctx, nil)
	}
	if !supportedSchemaVersions[version] {
		return nil, encodingError(StageSchema, fmt.Sprintf("unsupported schema version %q", version), ctx, nil)
	}
	if t, ok := msg.Attributes[AttrEventType]; ok && t != string(env.Type) {
		return nil, encodingError(StageSchema, fmt.Sprintf("eventType attribute %q disagrees with body type %q", t, env.Type), ctx, nil)
	}

	e, err := env.Event()
	if err != nil {
		return nil, encodingError(StageSchema, "event payload failed validation", ctx, err)
	}
	if id, ok := msg.Attributes[AttrJobID]; ok && id != e.Subject().JobID {
		return nil, encodingError(StageSchema, fmt.Sprintf("jobId attribute %q disagrees with body job %q", id, e.Subject().JobID), ctx, nil)
	}
	return e, nil
}

// DecodeWorkMessage decodes a message produced by EncodeWorkMessage.
func DecodeWorkMessage(msg Message) (model.Job, error) {
	e, err := DecodeDomainEvent(msg)
	if err != nil {
		return nil, err
	}
	wm, ok := e.(model.WorkMessage)
	if !ok {
		return nil, encodingError(StageSchema, fmt.Sprintf("expected %s, got %s", model.EventWorkMessage, e.Type()), map[string]string{AttrEventType: string(e.Type())}, nil)
	}
	return wm.Job, nil
}
