// Package idempotency derives deterministic fingerprints for job submissions
// so duplicate requests for the same media collapse onto one job.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediascribe/pipeline/internal/media"
)

// TTL is how long an idempotency record stays authoritative.
const TTL = 24 * time.Hour

// Key identifies one submission. MediaHash is derived from the media content;
// RequestKey is caller supplied or generated.
type Key struct {
	RequestKey string `json:"requestKey" validate:"required"`
	Endpoint   string `json:"endpoint" validate:"required"`
	MediaHash  string `json:"mediaHash" validate:"required,len=64,hexadecimal"`
}

// Generate builds a key for a submission of ref to endpoint. An empty
// requestKey is replaced with a fresh uuid.
func Generate(endpoint string, ref media.Reference, requestKey string) (Key, error) {
	if endpoint == "" {
		return Key{}, fmt.Errorf("idempotency endpoint is required")
	}
	if strings.Contains(endpoint, ":") {
		return Key{}, fmt.Errorf("idempotency endpoint %q must not contain ':'", endpoint)
	}
	if strings.Contains(requestKey, ":") {
		return Key{}, fmt.Errorf("request key %q must not contain ':'", requestKey)
	}

	hash, err := MediaHash(ref)
	if err != nil {
		return Key{}, err
	}

	if requestKey == "" {
		requestKey = uuid.New().String()
	}

	return Key{
		RequestKey: requestKey,
		Endpoint:   endpoint,
		MediaHash:  hash,
	}, nil
}

// MediaHash fingerprints the canonical url of ref.
func MediaHash(ref media.Reference) (string, error) {
	canonical, err := ref.CanonicalURL()
	if err != nil {
		return "", fmt.Errorf("media hash: %w", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// String renders the canonical requestKey:endpoint:mediaHash form.
func (k Key) String() string {
	return k.RequestKey + ":" + k.Endpoint + ":" + k.MediaHash
}

// Parse is the inverse of Key.String.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed idempotency key %q", s)
	}
	k := Key{RequestKey: parts[0], Endpoint: parts[1], MediaHash: parts[2]}
	if k.RequestKey == "" || k.Endpoint == "" || k.MediaHash == "" {
		return Key{}, fmt.Errorf("malformed idempotency key %q", s)
	}
	return k, nil
}

// Hash names the index object for k. The request key is left out so that
// resubmitting the same media to the same endpoint resolves to one record.
func Hash(k Key) string {
	sum := sha256.Sum256([]byte(k.Endpoint + ":" + k.MediaHash))
	return hex.EncodeToString(sum[:])
}

// IsExpired reports whether a record created at createdAt is stale at now.
func IsExpired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > TTL
}
