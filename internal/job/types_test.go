package job

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityUrgent.Rank() >= PriorityHigh.Rank() {
		t.Error("urgent should rank before high")
	}
	if PriorityHigh.Rank() >= PriorityNormal.Rank() {
		t.Error("high should rank before normal")
	}
	if PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Error("normal should rank before low")
	}
	if Priority("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priorities should rank last")
	}
}

func TestAllPrioritiesOrder(t *testing.T) {
	ps := AllPriorities()
	if len(ps) != 4 {
		t.Fatalf("expected 4 priorities, got %d", len(ps))
	}
	for i := 1; i < len(ps); i++ {
		if ps[i-1].Rank() >= ps[i].Rank() {
			t.Errorf("priorities out of order at %d: %s before %s", i, ps[i-1], ps[i])
		}
	}
}

func TestParsePriority(t *testing.T) {
	for _, s := range []string{"urgent", "high", "normal", "low"} {
		if _, err := ParsePriority(s); err != nil {
			t.Errorf("expected %q to parse, got %v", s, err)
		}
	}
	if _, err := ParsePriority("URGENT"); err == nil {
		t.Error("expected case-sensitive parse to reject URGENT")
	}
	if _, err := ParsePriority(""); err == nil {
		t.Error("expected empty priority to be rejected")
	}
}

func TestNewJob(t *testing.T) {
	j := New(42, 7, PriorityHigh, []byte(`{"max_posts":10}`))

	if j.ID != "" {
		t.Error("new job should have no id until admission")
	}
	if j.Status != StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
	if j.UserID != 42 || j.PlatformConnectionID != 7 {
		t.Error("owner fields not set")
	}
	if j.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", j.MaxRetries)
	}
	if j.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestMarkRunning(t *testing.T) {
	j := New(1, 1, PriorityNormal, nil)
	now := time.Now().UTC()

	j.MarkRunning(now)

	if j.Status != StatusRunning {
		t.Errorf("expected running, got %s", j.Status)
	}
	if j.StartedAt == nil || !j.StartedAt.Equal(now) {
		t.Error("started_at not stamped")
	}
	if j.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", j.Attempts)
	}

	j.MarkRunning(now.Add(time.Minute))
	if j.Attempts != 2 {
		t.Errorf("expected attempts 2 after second pickup, got %d", j.Attempts)
	}
}

func TestMarkTerminalCompleted(t *testing.T) {
	j := New(1, 1, PriorityNormal, nil)
	j.MarkRunning(time.Now().UTC())
	j.ProgressPercent = 60

	now := time.Now().UTC()
	if err := j.MarkTerminal(StatusCompleted, "", now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if j.ProgressPercent != 100 {
		t.Errorf("completed job should be forced to 100%%, got %d", j.ProgressPercent)
	}
	if j.CurrentStep != "Completed" {
		t.Errorf("expected step Completed, got %q", j.CurrentStep)
	}
	if j.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestMarkTerminalRejectsNonTerminal(t *testing.T) {
	j := New(1, 1, PriorityNormal, nil)
	if err := j.MarkTerminal(StatusRunning, "", time.Now()); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestClampPercent(t *testing.T) {
	cases := []struct{ in, want int }{
		{-5, 0}, {0, 0}, {50, 50}, {100, 100}, {150, 100},
	}
	for _, c := range cases {
		if got := ClampPercent(c.in); got != c.want {
			t.Errorf("ClampPercent(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	j := New(1, 1, PriorityNormal, nil)
	if err := j.Validate(); err != nil {
		t.Errorf("fresh job should validate, got %v", err)
	}

	j.Status = StatusRunning
	if err := j.Validate(); err == nil {
		t.Error("running job without started_at should fail validation")
	}

	now := time.Now()
	j.StartedAt = &now
	if err := j.Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}

	j.Status = StatusFailed
	if err := j.Validate(); err == nil {
		t.Error("terminal job without completed_at should fail validation")
	}

	j.CompletedAt = &now
	j.Priority = "bogus"
	if err := j.Validate(); err == nil {
		t.Error("unknown priority should fail validation")
	}
}
