package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGate(func() *redis.Client { return client }, 2*time.Hour), mr
}

func TestMintJobID(t *testing.T) {
	g, _ := setupGate(t)

	id, err := g.MintJobID()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(id) != 32 {
		t.Errorf("expected 32-char id, got %d: %q", len(id), id)
	}
	if err := g.ValidateJobID(id); err != nil {
		t.Errorf("minted id should validate, got %v", err)
	}

	other, _ := g.MintJobID()
	if id == other {
		t.Error("two minted ids should differ")
	}
}

func TestValidateJobID(t *testing.T) {
	g, _ := setupGate(t)

	valid := []string{
		strings.Repeat("a", 16),
		strings.Repeat("A", 64),
		"abc123_-xyz789_-abc123_-xyz789_-",
	}
	for _, id := range valid {
		if err := g.ValidateJobID(id); err != nil {
			t.Errorf("expected %q to validate, got %v", id, err)
		}
	}

	invalid := []string{
		"",
		"short",
		strings.Repeat("a", 15),
		strings.Repeat("a", 65),
		"has spaces here and there",
		"semi;colon-injection-attempt",
		"path/../traversal-attempt-here",
	}
	for _, id := range invalid {
		if err := g.ValidateJobID(id); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("expected %q to be rejected, got %v", id, err)
		}
	}
}

func TestAuthorize(t *testing.T) {
	g, _ := setupGate(t)
	ctx := context.Background()

	jobID, _ := g.MintJobID()
	if err := g.RecordAuthorization(ctx, jobID, 42, 7); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := g.Authorize(ctx, jobID, 42, false); err != nil {
		t.Errorf("owner should be authorized, got %v", err)
	}
	if err := g.Authorize(ctx, jobID, 99, false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("foreign user should be rejected, got %v", err)
	}
	if err := g.Authorize(ctx, jobID, 99, true); err != nil {
		t.Errorf("admin should bypass ownership, got %v", err)
	}

	unknown, _ := g.MintJobID()
	if err := g.Authorize(ctx, unknown, 42, false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("missing tuple should be rejected, got %v", err)
	}
}

func TestAuthorizeRejectsMalformedID(t *testing.T) {
	g, _ := setupGate(t)
	if err := g.Authorize(context.Background(), "nope", 1, true); !errors.Is(err, ErrInvalidJobID) {
		t.Errorf("malformed id should fail before any lookup, got %v", err)
	}
}

func TestClearAuthorization(t *testing.T) {
	g, mr := setupGate(t)
	ctx := context.Background()

	jobID, _ := g.MintJobID()
	if err := g.RecordAuthorization(ctx, jobID, 42, 7); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(AuthKey(jobID)) {
		t.Fatal("authorization tuple not written")
	}

	if err := g.ClearAuthorization(ctx, jobID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mr.Exists(AuthKey(jobID)) {
		t.Error("authorization tuple not removed")
	}
}

func TestAuthorizationTTL(t *testing.T) {
	g, mr := setupGate(t)
	jobID, _ := g.MintJobID()
	if err := g.RecordAuthorization(context.Background(), jobID, 1, 1); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(3 * time.Hour)
	if mr.Exists(AuthKey(jobID)) {
		t.Error("authorization tuple should expire with the job TTL")
	}
}

func TestSanitize(t *testing.T) {
	in := "line one\nline two\r\ttabbed"
	out := Sanitize(in)
	if strings.ContainsAny(out, "\n\r\t") {
		t.Errorf("control characters not replaced: %q", out)
	}

	out = Sanitize("failed: password=hunter2 while connecting")
	if strings.Contains(out, "hunter2") {
		t.Errorf("credential not redacted: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got %q", out)
	}

	out = Sanitize("Authorization: Bearer abc.def.ghi")
	if strings.Contains(out, "Bearer abc.def.ghi") {
		t.Errorf("bearer token not redacted: %q", out)
	}

	long := strings.Repeat("x", 1000)
	if got := Sanitize(long); len(got) > maxSanitizedLen+len("…") {
		t.Errorf("long message not truncated: %d chars", len(got))
	}

	out = Sanitize("nothing sensitive here")
	if out != "nothing sensitive here" {
		t.Errorf("benign message altered: %q", out)
	}
}

func TestSanitizeDropsOtherControlChars(t *testing.T) {
	out := Sanitize("bell\x07 and escape\x1b[31m")
	if strings.ContainsRune(out, '\x07') || strings.ContainsRune(out, '\x1b') {
		t.Errorf("control characters survived: %q", out)
	}
}
