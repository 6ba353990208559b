package storage

import (
	"fmt"
	"strings"

	"github.com/mediascribe/pipeline/internal/model"
)

// Key prefixes for every logical collection kept in the bucket.
const (
	JobsPrefix        = "jobs/"
	IdempotencyPrefix = "idempotency/"
	TranscriptsPrefix = "transcripts/"
	EventsPrefix      = "events/"

	objectExt = ".json"
)

// JobStatusPrefix is the partition holding every job in status.
func JobStatusPrefix(status model.JobStatus) string {
	return JobsPrefix + string(status) + "/"
}

// JobKey is where a job in status lives.
func JobKey(status model.JobStatus, jobID string) string {
	return JobStatusPrefix(status) + jobID + objectExt
}

// IdempotencyIndexKey is the pointer record for an idempotency hash.
func IdempotencyIndexKey(hash string) string {
	return IdempotencyPrefix + hash + objectExt
}

// TranscriptKey is where a transcript lives.
func TranscriptKey(transcriptID string) string {
	return TranscriptsPrefix + transcriptID + objectExt
}

// EventLogPrefix is the append-only log directory for a job.
func EventLogPrefix(jobID string) string {
	return EventsPrefix + jobID + "/"
}

// EventKey names one entry in a job's event log.
func EventKey(jobID, eventID string) string {
	return EventLogPrefix(jobID) + eventID + objectExt
}

// JobObject identifies a job object parsed from a storage key.
type JobObject struct {
	Status model.JobStatus
	JobID  string
}

// ParseJobKey splits jobs/{status}/{jobId}.json. Keys outside the jobs
// collection or with an unknown status are rejected.
func ParseJobKey(key string) (JobObject, error) {
	rest, ok := strings.CutPrefix(key, JobsPrefix)
	if !ok {
		return JobObject{}, fmt.Errorf("key %q is not a job object", key)
	}
	statusPart, file, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(file, "/") {
		return JobObject{}, fmt.Errorf("key %q is not a job object", key)
	}
	jobID, ok := strings.CutSuffix(file, objectExt)
	if !ok || jobID == "" {
		return JobObject{}, fmt.Errorf("key %q is not a job object", key)
	}
	status, err := model.ParseJobStatus(statusPart)
	if err != nil {
		return JobObject{}, fmt.Errorf("key %q: %w", key, err)
	}
	return JobObject{Status: status, JobID: jobID}, nil
}

// EventIDFromKey returns the event id part of an event log key.
func EventIDFromKey(key string) string {
	name := key[strings.LastIndex(key, "/")+1:]
	return strings.TrimSuffix(name, objectExt)
}
