package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a DomainEvent variant.
type EventType string

const (
	EventJobQueued          EventType = "JobQueued"
	EventJobStatusChanged   EventType = "JobStatusChanged"
	EventJobFailed          EventType = "JobFailed"
	EventTranscriptComplete EventType = "TranscriptComplete"
	EventWorkMessage        EventType = "WorkMessage"
)

// Valid reports whether t names a known variant.
func (t EventType) Valid() bool {
	switch t {
	case EventJobQueued, EventJobStatusChanged, EventJobFailed, EventTranscriptComplete, EventWorkMessage:
		return true
	}
	return false
}

// EventSubject is the routing information every event carries.
type EventSubject struct {
	JobID      string
	RequestID  string
	OccurredAt time.Time
}

// DomainEvent is one of JobQueued, JobStatusChanged, JobFailed,
// TranscriptComplete or WorkMessage.
type DomainEvent interface {
	Type() EventType
	Subject() EventSubject
	sealedEvent()
}

type JobQueued struct {
	Job        Job
	OccurredAt time.Time
}

type JobStatusChanged struct {
	JobID      string
	RequestID  string
	From       JobStatus
	To         JobStatus
	OccurredAt time.Time
}

type JobFailed struct {
	JobID      string
	RequestID  string
	Error      string
	Attempts   int
	OccurredAt time.Time
}

type TranscriptComplete struct {
	JobID      string
	RequestID  string
	Transcript Transcript
	OccurredAt time.Time
}

// WorkMessage hands a job snapshot to the next worker.
type WorkMessage struct {
	Job        Job
	OccurredAt time.Time
}

func (JobQueued) Type() EventType          { return EventJobQueued }
func (JobStatusChanged) Type() EventType   { return EventJobStatusChanged }
func (JobFailed) Type() EventType          { return EventJobFailed }
func (TranscriptComplete) Type() EventType { return EventTranscriptComplete }
func (WorkMessage) Type() EventType        { return EventWorkMessage }

func (e JobQueued) Subject() EventSubject {
	b := e.Job.Base()
	return EventSubject{JobID: b.ID, RequestID: b.RequestID, OccurredAt: e.OccurredAt}
}

func (e JobStatusChanged) Subject() EventSubject {
	return EventSubject{JobID: e.JobID, RequestID: e.RequestID, OccurredAt: e.OccurredAt}
}

func (e JobFailed) Subject() EventSubject {
	return EventSubject{JobID: e.JobID, RequestID: e.RequestID, OccurredAt: e.OccurredAt}
}

func (e TranscriptComplete) Subject() EventSubject {
	return EventSubject{JobID: e.JobID, RequestID: e.RequestID, OccurredAt: e.OccurredAt}
}

func (e WorkMessage) Subject() EventSubject {
	b := e.Job.Base()
	return EventSubject{JobID: b.ID, RequestID: b.RequestID, OccurredAt: e.OccurredAt}
}

func (JobQueued) sealedEvent()          {}
func (JobStatusChanged) sealedEvent()   {}
func (JobFailed) sealedEvent()          {}
func (TranscriptComplete) sealedEvent() {}
func (WorkMessage) sealedEvent()        {}

// EventEnvelope is the JSON document an event is stored and sent as.
type EventEnvelope struct {
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

type jobPayload struct {
	Job *JobJSON `json:"job"`
}

type statusChangedPayload struct {
	JobID     string    `json:"jobId" validate:"required"`
	RequestID string    `json:"requestId" validate:"required"`
	From      JobStatus `json:"from" validate:"required"`
	To        JobStatus `json:"to" validate:"required"`
}

type jobFailedPayload struct {
	JobID     string `json:"jobId" validate:"required"`
	RequestID string `json:"requestId" validate:"required"`
	Error     string `json:"error" validate:"required"`
	Attempts  int    `json:"attempts" validate:"gte=0"`
}

type transcriptPayload struct {
	JobID      string      `json:"jobId" validate:"required"`
	RequestID  string      `json:"requestId" validate:"required"`
	Transcript *Transcript `json:"transcript" validate:"required"`
}

// NewEventEnvelope builds the JSON envelope for e.
func NewEventEnvelope(e DomainEvent) (EventEnvelope, error) {
	if e == nil {
		return EventEnvelope{}, fmt.Errorf("nil domain event")
	}

	var payload interface{}
	switch v := e.(type) {
	case JobQueued:
		if v.Job == nil {
			return EventEnvelope{}, fmt.Errorf("%s event has no job", v.Type())
		}
		payload = jobPayload{Job: &JobJSON{Job: v.Job}}
	case WorkMessage:
		if v.Job == nil {
			return EventEnvelope{}, fmt.Errorf("%s event has no job", v.Type())
		}
		payload = jobPayload{Job: &JobJSON{Job: v.Job}}
	case JobStatusChanged:
		payload = statusChangedPayload{JobID: v.JobID, RequestID: v.RequestID, From: v.From, To: v.To}
	case JobFailed:
		payload = jobFailedPayload{JobID: v.JobID, RequestID: v.RequestID, Error: v.Error, Attempts: v.Attempts}
	case TranscriptComplete:
		t := v.Transcript
		payload = transcriptPayload{JobID: v.JobID, RequestID: v.RequestID, Transcript: &t}
	default:
		return EventEnvelope{}, fmt.Errorf("unknown domain event %T", e)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}
	return EventEnvelope{Type: e.Type(), OccurredAt: e.Subject().OccurredAt, Payload: raw}, nil
}

// Event decodes and validates the envelope payload into its variant.
func (env EventEnvelope) Event() (DomainEvent, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s event has no payload", env.Type)
	}

	switch env.Type {
	case EventJobQueued, EventWorkMessage:
		var p jobPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		if p.Job == nil || p.Job.Job == nil {
			return nil, fmt.Errorf("%s payload has no job", env.Type)
		}
		if env.Type == EventJobQueued {
			return JobQueued{Job: p.Job.Job, OccurredAt: env.OccurredAt}, nil
		}
		return WorkMessage{Job: p.Job.Job, OccurredAt: env.OccurredAt}, nil
	case EventJobStatusChanged:
		var p statusChangedPayload
		if err := decodeValid(env, &p); err != nil {
			return nil, err
		}
		if !p.From.Valid() || !p.To.Valid() {
			return nil, fmt.Errorf("%s payload has unknown status %q -> %q", env.Type, p.From, p.To)
		}
		return JobStatusChanged{JobID: p.JobID, RequestID: p.RequestID, From: p.From, To: p.To, OccurredAt: env.OccurredAt}, nil
	case EventJobFailed:
		var p jobFailedPayload
		if err := decodeValid(env, &p); err != nil {
			return nil, err
		}
		return JobFailed{JobID: p.JobID, RequestID: p.RequestID, Error: p.Error, Attempts: p.Attempts, OccurredAt: env.OccurredAt}, nil
	default:
		var p transcriptPayload
		if err := decodeValid(env, &p); err != nil {
			return nil, err
		}
		return TranscriptComplete{JobID: p.JobID, RequestID: p.RequestID, Transcript: *p.Transcript, OccurredAt: env.OccurredAt}, nil
	}
}

func decodeValid(env EventEnvelope, dst interface{}) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

// MarshalEvent encodes e as its JSON envelope.
func MarshalEvent(e DomainEvent) ([]byte, error) {
	env, err := NewEventEnvelope(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEvent is the inverse of MarshalEvent.
func UnmarshalEvent(data []byte) (DomainEvent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return env.Event()
}
