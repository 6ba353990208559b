package model

import (
	"strings"
	"time"

	"github.com/mediascribe/pipeline/internal/media"
)

// SpeakerRole labels who is talking in a dialogue turn.
type SpeakerRole string

const (
	SpeakerHost     SpeakerRole = "host"
	SpeakerGuest    SpeakerRole = "guest"
	SpeakerNarrator SpeakerRole = "narrator"
	SpeakerUnknown  SpeakerRole = "unknown"
)

// ParseSpeakerRole is lenient: anything unrecognised maps to SpeakerUnknown.
func ParseSpeakerRole(s string) SpeakerRole {
	switch SpeakerRole(strings.ToLower(strings.TrimSpace(s))) {
	case SpeakerHost:
		return SpeakerHost
	case SpeakerGuest:
		return SpeakerGuest
	case SpeakerNarrator:
		return SpeakerNarrator
	default:
		return SpeakerUnknown
	}
}

// DialogueTurn is one utterance in a transcript.
type DialogueTurn struct {
	Timestamp string      `json:"timestamp"`
	Speaker   SpeakerRole `json:"speaker" validate:"required"`
	Text      string      `json:"text" validate:"required"`
}

// Provenance records how a transcript was generated.
type Provenance struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	PromptArtifact string  `json:"promptArtifact,omitempty"`
}

// Transcript is written once by the transcription worker per completed job.
type Transcript struct {
	ID         string          `json:"id" validate:"required"`
	JobID      string          `json:"jobId" validate:"required"`
	Media      media.Reference `json:"media"`
	RawText    string          `json:"rawText"`
	Turns      []DialogueTurn  `json:"turns" validate:"dive"`
	Provenance Provenance      `json:"provenance"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// TranscriptionResult is what a transcription provider hands back.
type TranscriptionResult struct {
	Turns      []DialogueTurn
	Provenance Provenance
}

// RawTextFromTurns flattens turns into plain text, one utterance per line.
func RawTextFromTurns(turns []DialogueTurn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
