package config

import (
	"fmt"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// BackoffCurve selects how retry delays grow with the attempt count
type BackoffCurve string

const (
	// BackoffLinear grows the delay by the base on every attempt
	BackoffLinear BackoffCurve = "linear"
	// BackoffExponential doubles the delay on every attempt
	BackoffExponential BackoffCurve = "exponential"
	// BackoffFixed uses the base delay for every attempt
	BackoffFixed BackoffCurve = "fixed"
)

// RetryPolicy describes how job-body failures are re-enqueued. Retries
// apply only to job-body errors; infrastructure errors trigger mode
// transitions instead.
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffCurve
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns the backoff before retry attempt n (1-based), capped at
// MaxDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = p.BaseDelay
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default: // exponential
		d = p.BaseDelay << uint(attempt-1)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Validate checks the policy for nonsensical values
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry policy: max retries cannot be negative")
	}
	switch p.Backoff {
	case BackoffLinear, BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("retry policy: unknown backoff curve %q", p.Backoff)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry policy: base delay must be positive")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: max delay below base delay")
	}
	return nil
}

// QueueConfig describes one priority queue
type QueueConfig struct {
	// Name is the full Redis list key including the configured prefix
	Name string
	// Priority is the priority this queue serves
	Priority job.Priority
	// MaxWorkers caps how many workers should poll this queue
	MaxWorkers int
	// Timeout is the per-job execution deadline for jobs on this queue
	Timeout time.Duration
	// Retry is the re-enqueue policy for job-body failures
	Retry RetryPolicy
}

// QueueName returns the Redis list key for a priority under a prefix
func QueueName(prefix string, p job.Priority) string {
	return prefix + string(p)
}

// defaultQueueConfigs builds the four fixed priority queues. Urgent and
// low carry their own timeouts; the middle priorities use the process
// default.
func defaultQueueConfigs(prefix string, defaultTimeout time.Duration) map[string]QueueConfig {
	defaultRetry := RetryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}

	cfgs := map[string]QueueConfig{
		string(job.PriorityUrgent): {
			Priority:   job.PriorityUrgent,
			MaxWorkers: 2,
			Timeout:    600 * time.Second,
			Retry:      defaultRetry,
		},
		string(job.PriorityHigh): {
			Priority:   job.PriorityHigh,
			MaxWorkers: 2,
			Timeout:    defaultTimeout,
			Retry:      defaultRetry,
		},
		string(job.PriorityNormal): {
			Priority:   job.PriorityNormal,
			MaxWorkers: 4,
			Timeout:    defaultTimeout,
			Retry:      defaultRetry,
		},
		string(job.PriorityLow): {
			Priority:   job.PriorityLow,
			MaxWorkers: 1,
			Timeout:    900 * time.Second,
			Retry: RetryPolicy{
				MaxRetries: 5,
				Backoff:    BackoffLinear,
				BaseDelay:  10 * time.Second,
				MaxDelay:   10 * time.Minute,
			},
		},
	}

	for key, qc := range cfgs {
		qc.Name = QueueName(prefix, qc.Priority)
		cfgs[key] = qc
	}
	return cfgs
}

// Queue returns the configuration for a priority
func (c *Config) Queue(p job.Priority) QueueConfig {
	if qc, ok := c.Queues[string(p)]; ok {
		return qc
	}
	// Unknown priorities are rejected at admission; this fallback keeps
	// internal callers total
	return QueueConfig{
		Name:     QueueName(c.QueuePrefix, job.PriorityNormal),
		Priority: job.PriorityNormal,
		Timeout:  c.DefaultTimeout,
		Retry: RetryPolicy{
			MaxRetries: 3,
			Backoff:    BackoffExponential,
			BaseDelay:  2 * time.Second,
			MaxDelay:   5 * time.Minute,
		},
	}
}
