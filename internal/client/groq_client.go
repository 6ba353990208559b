package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/retry"
)

// ProviderGroq is recorded in transcript provenance.
const ProviderGroq = "groq"

// GroqClient handles communication with Groq API
type GroqClient struct {
	httpClient         *http.Client
	baseURL            string
	apiKey             string
	model              string
	transcriptionModel string
	temperature        float64
	audioURLTemplate   string
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat asks the model for a JSON object
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// TranscriptionSegment is one timed span of recognised speech
type TranscriptionSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResponse is the verbose_json transcription body
type TranscriptionResponse struct {
	Text     string                 `json:"text"`
	Language string                 `json:"language"`
	Segments []TranscriptionSegment `json:"segments"`
}

// NewGroqClient creates a new Groq API client
func NewGroqClient(cfg *config.GroqConfig) *GroqClient {
	return &GroqClient{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		baseURL:            cfg.BaseURL,
		apiKey:             cfg.APIKey,
		model:              cfg.Model,
		transcriptionModel: cfg.TranscriptionModel,
		temperature:        cfg.Temperature,
		audioURLTemplate:   cfg.AudioURLTemplate,
	}
}

const speakerPrompt = `You label speakers in a transcript. Each numbered line is one segment.
Known speakers: %s.
Reply with a JSON object {"speakers": [...]} holding exactly one label per segment,
in order. Allowed labels: host, guest, narrator, unknown.`

// Transcribe converts the job's audio to dialogue turns: speech recognition
// first, then a chat completion labelling each segment's speaker.
func (c *GroqClient) Transcribe(ctx context.Context, job model.ProcessingJob, md model.Metadata) (model.TranscriptionResult, error) {
	audioURL, err := c.audioURL(job)
	if err != nil {
		return model.TranscriptionResult{}, retry.Permanent(err)
	}

	tr, err := c.AudioTranscription(ctx, audioURL, md.Language)
	if err != nil {
		return model.TranscriptionResult{}, err
	}
	if len(tr.Segments) == 0 && strings.TrimSpace(tr.Text) != "" {
		tr.Segments = []TranscriptionSegment{{Text: tr.Text}}
	}

	system := fmt.Sprintf(speakerPrompt, knownSpeakers(md))
	labels, err := c.labelSpeakers(ctx, system, tr.Segments)
	if err != nil {
		return model.TranscriptionResult{}, err
	}

	turns := make([]model.DialogueTurn, 0, len(tr.Segments))
	for i, seg := range tr.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := model.SpeakerUnknown
		if i < len(labels) {
			speaker = model.ParseSpeakerRole(labels[i])
		}
		turns = append(turns, model.DialogueTurn{
			Timestamp: formatTimestamp(seg.Start),
			Speaker:   speaker,
			Text:      text,
		})
	}

	return model.TranscriptionResult{
		Turns: turns,
		Provenance: model.Provenance{
			Provider:       ProviderGroq,
			Model:          c.transcriptionModel + "+" + c.model,
			Temperature:    c.temperature,
			PromptArtifact: system,
		},
	}, nil
}

func (c *GroqClient) audioURL(job model.ProcessingJob) (string, error) {
	if c.audioURLTemplate != "" {
		return strings.ReplaceAll(c.audioURLTemplate, "{id}", job.Media.ID), nil
	}
	return job.Media.CanonicalURL()
}

// AudioTranscription runs speech recognition on the audio behind audioURL
func (c *GroqClient) AudioTranscription(ctx context.Context, audioURL, language string) (TranscriptionResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":           c.transcriptionModel,
		"url":             audioURL,
		"response_format": "verbose_json",
		"temperature":     strconv.FormatFloat(c.temperature, 'f', -1, 64),
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return TranscriptionResponse{}, retry.Permanent(fmt.Errorf("failed to build form: %w", err))
		}
	}
	if err := w.Close(); err != nil {
		return TranscriptionResponse{}, retry.Permanent(fmt.Errorf("failed to build form: %w", err))
	}

	respBody, err := c.do(ctx, "/audio/transcriptions", w.FormDataContentType(), &body)
	if err != nil {
		return TranscriptionResponse{}, err
	}

	var tr TranscriptionResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return TranscriptionResponse{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tr, nil
}

// ChatCompletion sends a chat completion request to Groq
func (c *GroqClient) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	respBody, err := c.do(ctx, "/chat/completions", "application/json", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

func (c *GroqClient) labelSpeakers(ctx context.Context, system string, segments []TranscriptionSegment) ([]string, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	var user strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&user, "%d. %s\n", i+1, strings.TrimSpace(seg.Text))
	}

	content, err := c.ChatCompletion(ctx, system, user.String())
	if err != nil {
		return nil, err
	}

	// A malformed labelling is not worth failing the job over; turns fall
	// back to unknown speakers.
	var out struct {
		Speakers []string `json:"speakers"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, nil
	}
	return out.Speakers, nil
}

func (c *GroqClient) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("groq API error (status %d): %s", resp.StatusCode, string(respBody))
		if isPermanentStatus(resp.StatusCode) {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}
	return respBody, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GroqClient) IsConfigured() bool {
	return c.apiKey != ""
}

func knownSpeakers(md model.Metadata) string {
	if len(md.Speakers) == 0 {
		return "none"
	}
	return strings.Join(md.Speakers, ", ")
}

// formatTimestamp renders seconds as HH:MM:SS
func formatTimestamp(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
