package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// taskRow maps the Job entity onto the caption_generation_task table
type taskRow struct {
	ID                   string     `gorm:"column:id;primaryKey;size:64"`
	UserID               int64      `gorm:"column:user_id;index:idx_cgt_user_status,priority:1"`
	PlatformConnectionID int64      `gorm:"column:platform_connection_id"`
	Status               string     `gorm:"column:status;size:16;index:idx_cgt_user_status,priority:2;index:idx_cgt_status"`
	Priority             string     `gorm:"column:priority;size:16"`
	Settings             []byte     `gorm:"column:settings"`
	StartedAt            *time.Time `gorm:"column:started_at"`
	CompletedAt          *time.Time `gorm:"column:completed_at"`
	ErrorMessage         string     `gorm:"column:error_message;size:512"`
	CurrentStep          string     `gorm:"column:current_step;size:256"`
	ProgressPercent      int        `gorm:"column:progress_percent"`
	Attempts             int        `gorm:"column:attempts"`
	MaxRetries           int        `gorm:"column:max_retries"`
	CreatedAt            time.Time  `gorm:"column:created_at;index"`
}

// TableName pins the table the web layer also reads
func (taskRow) TableName() string {
	return "caption_generation_task"
}

func rowFromJob(j *job.Job) *taskRow {
	return &taskRow{
		ID:                   j.ID,
		UserID:               j.UserID,
		PlatformConnectionID: j.PlatformConnectionID,
		Status:               string(j.Status),
		Priority:             string(j.Priority),
		Settings:             []byte(j.Settings),
		StartedAt:            j.StartedAt,
		CompletedAt:          j.CompletedAt,
		ErrorMessage:         j.ErrorMessage,
		CurrentStep:          j.CurrentStep,
		ProgressPercent:      j.ProgressPercent,
		Attempts:             j.Attempts,
		MaxRetries:           j.MaxRetries,
		CreatedAt:            j.CreatedAt,
	}
}

func (r *taskRow) toJob() *job.Job {
	return &job.Job{
		ID:                   r.ID,
		UserID:               r.UserID,
		PlatformConnectionID: r.PlatformConnectionID,
		Status:               job.Status(r.Status),
		Priority:             job.Priority(r.Priority),
		Settings:             r.Settings,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		ErrorMessage:         r.ErrorMessage,
		CurrentStep:          r.CurrentStep,
		ProgressPercent:      r.ProgressPercent,
		Attempts:             r.Attempts,
		MaxRetries:           r.MaxRetries,
		CreatedAt:            r.CreatedAt,
	}
}

// Open connects to Postgres and migrates the task table
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate task table: %w", err)
	}
	return db, nil
}

// GormStore implements TaskStore over a gorm handle. The handle may be the
// root connection or a transaction opened by GormSessions.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a gorm handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create inserts the job row
func (s *GormStore) Create(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rowFromJob(j)).Error; err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the row for a job id
func (s *GormStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var row taskRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return row.toJob(), nil
}

// Update overwrites the mutable columns
func (s *GormStore) Update(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", j.ID).Updates(map[string]interface{}{
		"status":           string(j.Status),
		"priority":         string(j.Priority),
		"started_at":       j.StartedAt,
		"completed_at":     j.CompletedAt,
		"error_message":    j.ErrorMessage,
		"current_step":     j.CurrentStep,
		"progress_percent": j.ProgressPercent,
		"attempts":         j.Attempts,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning transitions a row to running
func (s *GormStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     string(job.StatusRunning),
		"started_at": at,
		"attempts":   gorm.Expr("attempts + 1"),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s running: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTerminal transitions a row to a terminal status. Completed rows are
// forced to 100 percent.
func (s *GormStore) MarkTerminal(ctx context.Context, id string, status job.Status, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	updates := map[string]interface{}{
		"status":        string(status),
		"completed_at":  at,
		"error_message": errMsg,
	}
	if status == job.StatusCompleted {
		updates["progress_percent"] = 100
		updates["current_step"] = "Completed"
	}
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", id, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress mirrors the latest snapshot into the row
func (s *GormStore) SetProgress(ctx context.Context, id string, step string, percent int) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"current_step":     step,
		"progress_percent": job.ClampPercent(percent),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mirror progress for job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveForUser counts queued or running rows for one user
func (s *GormStore) CountActiveForUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("user_id = ? AND status IN ?", userID, []string{string(job.StatusQueued), string(job.StatusRunning)}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs for user %d: %w", userID, err)
	}
	return count, nil
}

// ListQueued returns queued rows ordered by priority then creation time
func (s *GormStore) ListQueued(ctx context.Context, limit int) ([]*job.Job, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(job.StatusQueued)).
		Order("CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	jobs := make([]*job.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

// CountByStatus returns per-status row counts
func (s *GormStore) CountByStatus(ctx context.Context) (map[job.Status]int64, error) {
	type statusCount struct {
		Status string
		N      int64
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&taskRow{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	out := make(map[job.Status]int64, len(counts))
	for _, c := range counts {
		out[job.Status(c.Status)] = c.N
	}
	return out, nil
}

// GormSessions implements Sessions with one transaction per job
type GormSessions struct {
	db     *gorm.DB
	active atomic.Int64
}

// NewGormSessions creates the session manager over the root handle
func NewGormSessions(db *gorm.DB) *GormSessions {
	return &GormSessions{db: db}
}

// Wrap runs fn inside a fresh transaction: commit on success, rollback on
// error or panic, always released before Wrap returns
func (g *GormSessions) Wrap(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) error {
	return g.wrap(g.db.WithContext(ctx).Begin(), ctx, fn)
}

// WrapSerializable is Wrap at SERIALIZABLE isolation. Strict admission
// runs its count-then-insert under it so two concurrent admissions for
// one user cannot both pass the count check.
func (g *GormSessions) WrapSerializable(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) error {
	return g.wrap(g.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: sql.LevelSerializable}), ctx, fn)
}

func (g *GormSessions) wrap(tx *gorm.DB, ctx context.Context, fn func(ctx context.Context, s TaskStore) error) (err error) {
	if tx.Error != nil {
		return fmt.Errorf("failed to open session: %w", tx.Error)
	}
	g.active.Add(1)

	committed := false
	defer func() {
		g.active.Add(-1)
		if !committed {
			tx.Rollback()
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()

	if err = fn(ctx, NewGormStore(tx)); err != nil {
		return err
	}
	if err = tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	committed = true
	return nil
}

// Active returns the number of open sessions
func (g *GormSessions) Active() int64 {
	return g.active.Load()
}
