package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sosodev/duration"

	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
)

// ErrVideoNotFound is returned when the Data API has no video for the id.
var ErrVideoNotFound = errors.New("video not found")

// YouTubeClient fetches video details from the YouTube Data API v3
type YouTubeClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type videoListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title                string    `json:"title"`
			Description          string    `json:"description"`
			ChannelTitle         string    `json:"channelTitle"`
			Tags                 []string  `json:"tags"`
			PublishedAt          time.Time `json:"publishedAt"`
			DefaultLanguage      string    `json:"defaultLanguage"`
			DefaultAudioLanguage string    `json:"defaultAudioLanguage"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// NewYouTubeClient creates a new YouTube Data API client
func NewYouTubeClient(cfg *config.YouTubeConfig) *YouTubeClient {
	return &YouTubeClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// Fetch returns the details of one video. Errors that retrying cannot fix
// are marked permanent.
func (c *YouTubeClient) Fetch(ctx context.Context, mediaID string) (model.VideoDetails, error) {
	q := url.Values{}
	q.Set("part", "snippet,contentDetails")
	q.Set("id", mediaID)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/videos?"+q.Encode(), nil)
	if err != nil {
		return model.VideoDetails{}, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.VideoDetails{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.VideoDetails{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("youtube API error (status %d): %s", resp.StatusCode, string(respBody))
		if isPermanentStatus(resp.StatusCode) {
			return model.VideoDetails{}, retry.Permanent(apiErr)
		}
		return model.VideoDetails{}, apiErr
	}

	var list videoListResponse
	if err := json.Unmarshal(respBody, &list); err != nil {
		return model.VideoDetails{}, retry.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(list.Items) == 0 {
		return model.VideoDetails{}, retry.Permanent(fmt.Errorf("%w: %s", ErrVideoNotFound, mediaID))
	}

	item := list.Items[0]
	duration, err := parseISODuration(item.ContentDetails.Duration)
	if err != nil {
		return model.VideoDetails{}, retry.Permanent(err)
	}

	lang := item.Snippet.DefaultAudioLanguage
	if lang == "" {
		lang = item.Snippet.DefaultLanguage
	}

	return model.VideoDetails{
		Title:           item.Snippet.Title,
		Channel:         item.Snippet.ChannelTitle,
		Description:     item.Snippet.Description,
		Tags:            item.Snippet.Tags,
		DurationSeconds: duration,
		PublishedAt:     item.Snippet.PublishedAt,
		DefaultLanguage: lang,
	}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *YouTubeClient) IsConfigured() bool {
	return c.apiKey != ""
}

// 429 and 5xx are worth another attempt; other client errors are not.
func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

// parseISODuration converts durations such as PT1H2M3S to whole seconds.
// Live streams report P0D.
func parseISODuration(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d.Negative {
		return 0, fmt.Errorf("invalid duration %q: negative", s)
	}
	return int(d.ToTimeDuration() / time.Second), nil
}
