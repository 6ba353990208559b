package model

import "fmt"

// JobStatus is the lifecycle stage of a job. The value doubles as the
// storage partition segment (jobs/{status}/...).
type JobStatus string

const (
	JobStatusQueued        JobStatus = "Queued"
	JobStatusMetadataReady JobStatus = "MetadataReady"
	JobStatusProcessing    JobStatus = "Processing"
	JobStatusCompleted     JobStatus = "Completed"
	JobStatusFailed        JobStatus = "Failed"
	JobStatusCancelled     JobStatus = "Cancelled"
)

// AllJobStatuses is the closed status enumeration in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusMetadataReady,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

var statusTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:        {JobStatusMetadataReady, JobStatusFailed, JobStatusCancelled},
	JobStatusMetadataReady: {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing:    {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusCompleted:     nil,
	JobStatusFailed:        nil,
	JobStatusCancelled:     nil,
}

// Valid reports whether s belongs to the enumeration.
func (s JobStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// NextStatuses returns the statuses reachable from s in one step.
func (s JobStatus) NextStatuses() []JobStatus {
	next := statusTransitions[s]
	out := make([]JobStatus, len(next))
	copy(out, next)
	return out
}

// ParseJobStatus maps a partition segment back to a status.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

// IsValidStatusTransition reports whether from may move to to in one step.
// Unknown statuses and self transitions are never valid.
func IsValidStatusTransition(from, to JobStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
