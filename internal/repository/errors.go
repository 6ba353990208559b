package repository

import (
	"errors"
	"fmt"

	"github.com/mediascribe/pipeline/internal/model"
)

// Operation tags carried by RepositoryError.
const (
	OpCreateJob            = "createJob"
	OpFindByID             = "findById"
	OpFindByIdempotencyKey = "findByIdempotencyKey"
	OpUpdateStatus         = "updateStatus"
	OpAppendEvent          = "appendEvent"
	OpListEvents           = "listEvents"
	OpSaveTranscript       = "saveTranscript"
	OpGetTranscript        = "getTranscript"
	OpListJobs             = "listJobs"
)

// ErrJobNotFound is wrapped when an operation needs a job that does not exist.
var ErrJobNotFound = errors.New("job not found")

// RepositoryError wraps every storage-layer failure. Callers branch on
// Operation; Err is kept for diagnostics.
type RepositoryError struct {
	Operation string
	Message   string
	Err       error
}

func (e *RepositoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("repository %s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("repository %s: %s", e.Operation, e.Message)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func opError(op, msg string, err error) *RepositoryError {
	return &RepositoryError{Operation: op, Message: msg, Err: err}
}

// JobConflictError reports that a submission collided with an existing job
// through its idempotency key.
type JobConflictError struct {
	Existing model.Job
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("job %s already exists for this submission", e.Existing.Base().ID)
}
