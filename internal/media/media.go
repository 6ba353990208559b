package media

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Type identifies the provider a media reference points at.
type Type string

const (
	TypeYouTube Type = "youtube"
)

// SupportedTypes lists the media types the pipeline can enrich and transcribe.
var SupportedTypes = []Type{TypeYouTube}

// IsSupported reports whether t is one of SupportedTypes.
func (t Type) IsSupported() bool {
	for _, s := range SupportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Reference points at a piece of media hosted by a provider.
type Reference struct {
	Type Type   `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// YouTube builds a reference for a YouTube video id.
func YouTube(id string) Reference {
	return Reference{Type: TypeYouTube, ID: id}
}

// CanonicalURL returns the stable URL used to fingerprint the media.
func (r Reference) CanonicalURL() (string, error) {
	switch r.Type {
	case TypeYouTube:
		if r.ID == "" {
			return "", fmt.Errorf("youtube reference has no video id")
		}
		return "https://www.youtube.com/watch?v=" + r.ID, nil
	default:
		return "", fmt.Errorf("no canonical url for media type %q", r.Type)
	}
}

// Validate checks that the reference is usable by the pipeline.
func (r Reference) Validate() error {
	switch r.Type {
	case TypeYouTube:
		if !youtubeIDPattern.MatchString(r.ID) {
			return fmt.Errorf("invalid youtube video id %q", r.ID)
		}
		return nil
	case "":
		return fmt.Errorf("media type is required")
	default:
		return fmt.Errorf("unsupported media type %q", r.Type)
	}
}

func (r Reference) String() string {
	return string(r.Type) + ":" + r.ID
}

// ParseURL extracts a reference from a user supplied media URL.
// Accepted YouTube forms: watch?v=, youtu.be/, shorts/, embed/ and live/.
func ParseURL(raw string) (Reference, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Reference{}, fmt.Errorf("parse media url: %w", err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 {
			switch parts[0] {
			case "shorts", "embed", "live":
				id = parts[1]
			}
		}
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	default:
		return Reference{}, fmt.Errorf("unsupported media host %q", u.Hostname())
	}

	ref := YouTube(id)
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}
