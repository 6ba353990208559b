package idempotency

import (
	"testing"
	"time"

	"github.com/mediascribe/pipeline/internal/media"
)

func TestGenerateIsDeterministicPerMedia(t *testing.T) {
	ref := media.YouTube("dQw4w9WgXcQ")

	a, err := Generate("jobs", ref, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate("jobs", ref, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if a.MediaHash != b.MediaHash {
		t.Fatalf("media hash differs for same media: %s vs %s", a.MediaHash, b.MediaHash)
	}
	if a.RequestKey == "" || a.RequestKey == b.RequestKey {
		t.Fatalf("expected distinct generated request keys, got %q and %q", a.RequestKey, b.RequestKey)
	}
	if Hash(a) != Hash(b) {
		t.Fatal("index hash should ignore the request key")
	}

	other, err := Generate("jobs", media.YouTube("aaaaaaaaaaa"), "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if Hash(other) == Hash(a) {
		t.Fatal("different media must not share an index hash")
	}

	otherEndpoint, err := Generate("imports", ref, a.RequestKey)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if Hash(otherEndpoint) == Hash(a) {
		t.Fatal("different endpoints must not share an index hash")
	}
}

func TestGenerateKeepsCallerRequestKey(t *testing.T) {
	k, err := Generate("jobs", media.YouTube("dQw4w9WgXcQ"), "client-42")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if k.RequestKey != "client-42" {
		t.Fatalf("request key = %q, want client-42", k.RequestKey)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	ref := media.YouTube("dQw4w9WgXcQ")
	if _, err := Generate("", ref, ""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := Generate("a:b", ref, ""); err == nil {
		t.Fatal("expected error for endpoint containing separator")
	}
	if _, err := Generate("jobs", ref, "x:y"); err == nil {
		t.Fatal("expected error for request key containing separator")
	}
	if _, err := Generate("jobs", media.Reference{Type: "podcast", ID: "1"}, ""); err == nil {
		t.Fatal("expected error for media without canonical url")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	k, err := Generate("jobs", media.YouTube("dQw4w9WgXcQ"), "req-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	s := k.String()
	if s != "req-1:jobs:"+k.MediaHash {
		t.Fatalf("unexpected string form %q", s)
	}

	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != k {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, k)
	}

	for _, bad := range []string{"", "a:b", "a:b:c:d", "::"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected Parse(%q) to fail", bad)
		}
	}
}

func TestMediaHashMatchesCanonicalURL(t *testing.T) {
	got, err := MediaHash(media.YouTube("dQw4w9WgXcQ"))
	if err != nil {
		t.Fatalf("MediaHash failed: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected hex sha256, got %q", got)
	}
	again, _ := MediaHash(media.YouTube("dQw4w9WgXcQ"))
	if got != again {
		t.Fatal("media hash is not stable")
	}
}

func TestIsExpired(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"fresh", created.Add(time.Hour), false},
		{"exactly ttl", created.Add(TTL), false},
		{"stale", created.Add(TTL + time.Second), true},
	}
	for _, tc := range cases {
		if got := IsExpired(created, tc.now); got != tc.want {
			t.Errorf("%s: IsExpired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestColonsNeverReachTheStringForm(t *testing.T) {
	ref := media.YouTube("dQw4w9WgXcQ")
	tests := []struct {
		name       string
		endpoint   string
		requestKey string
	}{
		{"colon in request key", "jobs", "req:1"},
		{"colon in endpoint", "api:jobs", "req-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Generate(tt.endpoint, ref, tt.requestKey); err == nil {
				t.Fatal("expected Generate to reject the colon")
			}
			hash, err := MediaHash(ref)
			if err != nil {
				t.Fatalf("MediaHash failed: %v", err)
			}
			if _, err := Parse(tt.requestKey + ":" + tt.endpoint + ":" + hash); err == nil {
				t.Fatal("expected Parse to reject more than three parts")
			}
		})
	}
}
