package model

import "github.com/mediascribe/pipeline/internal/media"

// SubmitJobRequest represents the request to transcribe a piece of media.
// Either MediaURL or MediaType with MediaID identifies it.
type SubmitJobRequest struct {
	MediaURL   string     `json:"mediaUrl" validate:"required_without=MediaID"`
	MediaType  media.Type `json:"mediaType" validate:"required_with=MediaID"`
	MediaID    string     `json:"mediaId" validate:"required_without=MediaURL"`
	RequestKey string     `json:"requestKey" validate:"omitempty,max=128,excludes=:"`
}

// CancelJobRequest represents the request to cancel a job
type CancelJobRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// JobListResponse represents one status partition
type JobListResponse struct {
	Status JobStatus `json:"status"`
	Jobs   []JobJSON `json:"jobs"`
}

// JobEventsResponse represents a job's event log
type JobEventsResponse struct {
	JobID  string          `json:"jobId"`
	Events []EventEnvelope `json:"events"`
}

// TranscriptResponse carries a transcript and, when the store can sign
// URLs, a temporary download link to its stored object.
type TranscriptResponse struct {
	Transcript  Transcript `json:"transcript"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
}
