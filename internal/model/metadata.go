package model

import "time"

// VideoDetails is what a metadata provider returns for a media id.
type VideoDetails struct {
	Title           string    `json:"title"`
	Channel         string    `json:"channel"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	DurationSeconds int       `json:"durationSeconds"`
	PublishedAt     time.Time `json:"publishedAt"`
	DefaultLanguage string    `json:"defaultLanguage,omitempty"`
}

// Metadata is the descriptive record attached to a job once enriched.
type Metadata struct {
	Title           string    `json:"title" validate:"required"`
	Channel         string    `json:"channel,omitempty"`
	Description     string    `json:"description,omitempty"`
	Speakers        []string  `json:"speakers,omitempty"`
	Language        string    `json:"language,omitempty"`
	DurationSeconds int       `json:"durationSeconds" validate:"gte=0"`
	Tags            []string  `json:"tags,omitempty"`
	PublishedAt     time.Time `json:"publishedAt"`
}

// MetadataFromDetails maps provider details onto job metadata. The channel
// is the only speaker known before transcription.
func MetadataFromDetails(d VideoDetails) Metadata {
	md := Metadata{
		Title:           d.Title,
		Channel:         d.Channel,
		Description:     d.Description,
		Language:        d.DefaultLanguage,
		DurationSeconds: d.DurationSeconds,
		Tags:            d.Tags,
		PublishedAt:     d.PublishedAt,
	}
	if d.Channel != "" {
		md.Speakers = []string{d.Channel}
	}
	if md.Language == "" {
		md.Language = "en"
	}
	return md
}
