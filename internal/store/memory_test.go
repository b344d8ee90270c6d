package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

func queuedJob(id string, userID int64, priority job.Priority) *job.Job {
	j := job.New(userID, 1, priority, nil)
	j.ID = id
	return j
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	j := queuedJob("job-aaaaaaaaaaaaaaaa", 42, job.PriorityNormal)
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.UserID != 42 || got.Status != job.StatusQueued {
		t.Errorf("row does not match: %+v", got)
	}

	// Returned row is a copy; mutating it must not affect the store
	got.UserID = 99
	again, _ := s.Get(ctx, j.ID)
	if again.UserID != 42 {
		t.Error("store row mutated through a returned copy")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	j := queuedJob("job-aaaaaaaaaaaaaaaa", 1, job.PriorityNormal)
	if err := s.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, j); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
}

func TestGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkRunningAndTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	j := queuedJob("job-aaaaaaaaaaaaaaaa", 42, job.PriorityNormal)
	s.Create(ctx, j)

	now := time.Now().UTC()
	if err := s.MarkRunning(ctx, j.ID, now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != job.StatusRunning || got.StartedAt == nil || got.Attempts != 1 {
		t.Errorf("running transition incomplete: %+v", got)
	}

	end := now.Add(time.Minute)
	if err := s.MarkTerminal(ctx, j.ID, job.StatusCompleted, "", end); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("terminal transition incomplete: %+v", got)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("completed row should read 100%%, got %d", got.ProgressPercent)
	}
}

func TestSetProgressClamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	j := queuedJob("job-aaaaaaaaaaaaaaaa", 42, job.PriorityNormal)
	s.Create(ctx, j)

	if err := s.SetProgress(ctx, j.ID, "Downloading media", 150); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.ProgressPercent != 100 {
		t.Errorf("expected clamp to 100, got %d", got.ProgressPercent)
	}

	s.SetProgress(ctx, j.ID, "Restarting", -5)
	got, _ = s.Get(ctx, j.ID)
	if got.ProgressPercent != 0 {
		t.Errorf("expected clamp to 0, got %d", got.ProgressPercent)
	}
}

func TestCountActiveForUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, queuedJob("job-aaaaaaaaaaaaaaaa", 42, job.PriorityNormal))
	s.Create(ctx, queuedJob("job-bbbbbbbbbbbbbbbb", 43, job.PriorityNormal))

	count, err := s.CountActiveForUser(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 active, got %d", count)
	}

	s.MarkRunning(ctx, "job-aaaaaaaaaaaaaaaa", time.Now())
	count, _ = s.CountActiveForUser(ctx, 42)
	if count != 1 {
		t.Errorf("running jobs still count as active, got %d", count)
	}

	s.MarkTerminal(ctx, "job-aaaaaaaaaaaaaaaa", job.StatusCompleted, "", time.Now())
	count, _ = s.CountActiveForUser(ctx, 42)
	if count != 0 {
		t.Errorf("terminal jobs should not count, got %d", count)
	}
}

func TestListQueuedOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	low := queuedJob("job-low-aaaaaaaaaaaa", 1, job.PriorityLow)
	low.CreatedAt = base
	urgent := queuedJob("job-urgent-aaaaaaaaa", 2, job.PriorityUrgent)
	urgent.CreatedAt = base.Add(time.Minute)
	normalOld := queuedJob("job-normal-old-aaaaa", 3, job.PriorityNormal)
	normalOld.CreatedAt = base
	normalNew := queuedJob("job-normal-new-aaaaa", 4, job.PriorityNormal)
	normalNew.CreatedAt = base.Add(time.Second)

	for _, j := range []*job.Job{low, urgent, normalOld, normalNew} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	queued, err := s.ListQueued(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{urgent.ID, normalOld.ID, normalNew.ID, low.ID}
	if len(queued) != len(wantOrder) {
		t.Fatalf("expected %d rows, got %d", len(wantOrder), len(queued))
	}
	for i, want := range wantOrder {
		if queued[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, queued[i].ID)
		}
	}

	limited, _ := s.ListQueued(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("limit not applied, got %d rows", len(limited))
	}
}

func TestCountByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, queuedJob("job-aaaaaaaaaaaaaaaa", 1, job.PriorityNormal))
	s.Create(ctx, queuedJob("job-bbbbbbbbbbbbbbbb", 2, job.PriorityNormal))
	s.MarkRunning(ctx, "job-bbbbbbbbbbbbbbbb", time.Now())

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[job.StatusQueued] != 1 || counts[job.StatusRunning] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestSessionsWrap(t *testing.T) {
	s := NewMemoryStore()
	sessions := NewMemorySessions(s)
	ctx := context.Background()

	err := sessions.Wrap(ctx, func(ctx context.Context, ts TaskStore) error {
		if sessions.Active() != 1 {
			t.Errorf("expected 1 active session, got %d", sessions.Active())
		}
		return ts.Create(ctx, queuedJob("job-aaaaaaaaaaaaaaaa", 1, job.PriorityNormal))
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sessions.Active() != 0 {
		t.Errorf("session leaked, %d still active", sessions.Active())
	}

	if _, err := s.Get(ctx, "job-aaaaaaaaaaaaaaaa"); err != nil {
		t.Error("row written inside session not visible")
	}
}

func TestSessionsWrapSerializable(t *testing.T) {
	s := NewMemoryStore()
	sessions := NewMemorySessions(s)
	ctx := context.Background()

	err := sessions.WrapSerializable(ctx, func(ctx context.Context, ts TaskStore) error {
		return ts.Create(ctx, queuedJob("job-aaaaaaaaaaaaaaaa", 1, job.PriorityNormal))
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.Get(ctx, "job-aaaaaaaaaaaaaaaa"); err != nil {
		t.Error("row written inside serializable session not visible")
	}
	if sessions.Active() != 0 {
		t.Errorf("session leaked, %d still active", sessions.Active())
	}
}

func TestSessionsWrapRecoversPanic(t *testing.T) {
	sessions := NewMemorySessions(NewMemoryStore())

	err := sessions.Wrap(context.Background(), func(ctx context.Context, ts TaskStore) error {
		panic("adapter blew up")
	})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if sessions.Active() != 0 {
		t.Errorf("session leaked after panic, %d active", sessions.Active())
	}
}
