package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/storage"
)

// newEventID sorts by occurrence time; the v7 suffix keeps ids unique and
// ordered for events sharing a timestamp.
func newEventID(e model.DomainEvent) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%019d-%s", e.Subject().OccurredAt.UnixNano(), id.String())
}

// AppendEvent writes e as a new immutable entry in its job's log.
func (r *JobRepository) AppendEvent(ctx context.Context, e model.DomainEvent) error {
	if e == nil {
		return opError(OpAppendEvent, "event is nil", nil)
	}
	jobID := e.Subject().JobID
	if jobID == "" {
		return opError(OpAppendEvent, fmt.Sprintf("%s event has no job id", e.Type()), nil)
	}

	data, err := model.MarshalEvent(e)
	if err != nil {
		return opError(OpAppendEvent, "encode event", err)
	}
	if err := r.store.Put(ctx, storage.EventKey(jobID, newEventID(e)), data, contentTypeJSON); err != nil {
		return opError(OpAppendEvent, "write event object", err)
	}
	return nil
}

// ListEvents returns the job's log in append order.
func (r *JobRepository) ListEvents(ctx context.Context, jobID string) ([]model.DomainEvent, error) {
	infos, err := r.store.List(ctx, storage.EventLogPrefix(jobID))
	if err != nil {
		return nil, opError(OpListEvents, "list event objects", err)
	}

	events := make([]model.DomainEvent, 0, len(infos))
	for _, info := range infos {
		data, err := r.store.Get(ctx, info.Key)
		if err != nil {
			return nil, opError(OpListEvents, "read "+info.Key, err)
		}
		e, err := model.UnmarshalEvent(data)
		if err != nil {
			return nil, opError(OpListEvents, "decode "+info.Key, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// HasEvent reports whether the job's log already holds an event of type t.
func (r *JobRepository) HasEvent(ctx context.Context, jobID string, t model.EventType) (bool, error) {
	events, err := r.ListEvents(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Type() == t {
			return true, nil
		}
	}
	return false, nil
}

// SaveTranscript writes t under transcripts/.
func (r *JobRepository) SaveTranscript(ctx context.Context, t model.Transcript) error {
	if err := model.Validate(t); err != nil {
		return opError(OpSaveTranscript, "invalid transcript", err)
	}
	if err := r.putJSON(ctx, storage.TranscriptKey(t.ID), t); err != nil {
		return opError(OpSaveTranscript, "write transcript object", err)
	}
	return nil
}

// GetTranscript reads a transcript; nil means it does not exist.
func (r *JobRepository) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	data, err := r.store.Get(ctx, storage.TranscriptKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, opError(OpGetTranscript, "read transcript object", err)
	}
	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, opError(OpGetTranscript, "decode transcript", err)
	}
	return &t, nil
}
