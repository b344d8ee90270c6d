// Package security implements job-id minting and validation, enqueue-time
// authorization tuples, and sanitization of error text. All cross-component
// error reporting funnels through Sanitize; raw errors never reach callers.
package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidJobID is returned for ids failing the shape check
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrNotAuthorized is returned when a (job, user) pair has no
	// recorded authorization tuple
	ErrNotAuthorized = errors.New("not authorized for job")
)

// jobIDBytes yields 32 URL-safe characters after base64 encoding
const jobIDBytes = 24

// jobIDPattern is the shape check applied before any Redis or DB lookup.
// Minted ids are 32 chars; the wider bound admits ids from older
// deployments.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

// secretPattern matches key=value or key: value forms whose key looks like
// a credential
var secretPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|authorization|bearer)\s*[:=]\s*\S+`)

// maxSanitizedLen bounds persisted error messages
const maxSanitizedLen = 500

// Gate validates job identity and authorization. The authorization tuple
// recorded at enqueue time is the single source for later access checks.
type Gate struct {
	client func() *redis.Client
	ttl    time.Duration
}

// NewGate creates a security gate whose authorization tuples live as long
// as the job TTL. client yields the current Redis client so the gate
// follows reconnects.
func NewGate(client func() *redis.Client, jobTTL time.Duration) *Gate {
	return &Gate{client: client, ttl: jobTTL}
}

// AuthKey returns the Redis key holding the authorization tuple for a job
func AuthKey(jobID string) string {
	return "rq:job_auth:" + jobID
}

// MintJobID returns a new cryptographically random, URL-safe job id
func (g *Gate) MintJobID() (string, error) {
	buf := make([]byte, jobIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint job id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateJobID performs the regex-level shape check. IDs failing it are
// never admitted anywhere.
func (g *Gate) ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return ErrInvalidJobID
	}
	return nil
}

// RecordAuthorization persists the (job, user, platform) tuple in Redis
// with the job TTL. Called by the queue manager during admission.
func (g *Gate) RecordAuthorization(ctx context.Context, jobID string, userID, platformID int64) error {
	pipe := g.client().Pipeline()
	pipe.HSet(ctx, AuthKey(jobID), map[string]interface{}{
		"user_id":     userID,
		"platform_id": platformID,
	})
	pipe.Expire(ctx, AuthKey(jobID), g.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record authorization for job %s: %w", jobID, err)
	}
	return nil
}

// ClearAuthorization removes the tuple, used when admission is rolled back
func (g *Gate) ClearAuthorization(ctx context.Context, jobID string) error {
	return g.client().Del(ctx, AuthKey(jobID)).Err()
}

// Authorize checks the tuple recorded at enqueue time. Admins bypass the
// check. A missing tuple and a mismatched user both return
// ErrNotAuthorized; callers translate it to not-found so existence is
// never leaked.
func (g *Gate) Authorize(ctx context.Context, jobID string, userID int64, admin bool) error {
	if err := g.ValidateJobID(jobID); err != nil {
		return err
	}
	if admin {
		return nil
	}
	val, err := g.client().HGet(ctx, AuthKey(jobID), "user_id").Result()
	if err == redis.Nil {
		return ErrNotAuthorized
	}
	if err != nil {
		return fmt.Errorf("failed to read authorization for job %s: %w", jobID, err)
	}
	owner, err := strconv.ParseInt(val, 10, 64)
	if err != nil || owner != userID {
		return ErrNotAuthorized
	}
	return nil
}

// Sanitize strips log-injection sequences and credential-like substrings
// from a message before it is logged or persisted
func Sanitize(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for _, r := range message {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			// drop other control characters
		default:
			b.WriteRune(r)
		}
	}
	out := secretPattern.ReplaceAllString(b.String(), "$1=[REDACTED]")
	if len(out) > maxSanitizedLen {
		out = out[:maxSanitizedLen] + "…"
	}
	return out
}
