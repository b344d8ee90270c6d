package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/logger"
)

// Config holds all configuration for the queue core. It is constructed
// once at startup, validated, and passed by reference; nothing mutates it
// after Load returns.
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// DatabaseURL is the DSN for the durable relational store
	DatabaseURL string

	// WorkerMode selects integrated, external or hybrid workers
	WorkerMode WorkerMode
	// WorkerCount is the sizing hint for the default worker groups
	WorkerCount int
	// WorkerTimeout is the per-job execution deadline
	WorkerTimeout time.Duration
	// WorkerMemoryLimitMB is the soft memory cap per worker; a worker
	// above it finishes its current job and exits for replacement
	WorkerMemoryLimitMB int

	// QueuePrefix is applied to all priority queue keys
	QueuePrefix string
	// DefaultTimeout is the fallback per-queue job timeout
	DefaultTimeout time.Duration
	// ResultTTL is the retention window for finished job artifacts
	ResultTTL time.Duration
	// JobTTL bounds how long an admitted job's Redis state may live
	JobTTL time.Duration

	// HealthCheckInterval is the period between Redis health probes
	HealthCheckInterval time.Duration
	// MemoryThreshold is the used/max memory fraction above which Redis
	// is considered unhealthy
	MemoryThreshold float64
	// FailureThreshold is the number of consecutive failed probes that
	// flips the monitor to unhealthy
	FailureThreshold int
	// MaxReconnectionAttempts bounds the fallback manager's reconnect
	// schedule
	MaxReconnectionAttempts int

	// CleanupInterval is the period between retention sweeps
	CleanupInterval time.Duration
	// CompletedTaskTTL is how long finished job registries are retained
	CompletedTaskTTL time.Duration
	// FailedTaskTTL is how long failed job registries are retained
	FailedTaskTTL time.Duration

	// UserTaskTTL bounds the per-user active-task slot
	UserTaskTTL time.Duration
	// WorkerHeartbeatTTL bounds worker registration keys
	WorkerHeartbeatTTL time.Duration
	// ProgressTTL bounds progress snapshots during execution
	ProgressTTL time.Duration
	// TerminalProgressTTL is the shrunk TTL applied at terminal
	// transition so subscribers have a window to read the last event
	TerminalProgressTTL time.Duration

	// ScheduledPollInterval is the cadence of the retry-mover loop
	ScheduledPollInterval time.Duration
	// DBStrictAdmission makes DB-mode admission transactional instead of
	// best-effort
	DBStrictAdmission bool

	// Queues holds the per-priority queue configuration
	Queues map[string]QueueConfig
	// WorkerGroups is the integrated worker layout
	WorkerGroups []WorkerGroup

	// Logging configuration
	Logging *logger.Config
}

// Load reads configuration from the environment, layering in the env file
// for APP_ENV first (existing process variables win), then validates.
func Load() (*Config, error) {
	if err := applyEnvFile(envFilePath(getEnv("APP_ENV", "development"))); err != nil {
		return nil, err
	}

	cfg := &Config{
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:             getEnv("DATABASE_URL", "postgres://localhost:5432/vedfolnir?sslmode=disable"),
		WorkerMode:              WorkerMode(getEnv("WORKER_MODE", string(WorkerModeIntegrated))),
		WorkerCount:             getEnvAsInt("RQ_WORKER_COUNT", 2),
		WorkerTimeout:           getEnvAsSeconds("RQ_WORKER_TIMEOUT", 300*time.Second),
		WorkerMemoryLimitMB:     getEnvAsInt("RQ_WORKER_MEMORY_LIMIT", 500),
		QueuePrefix:             getEnv("RQ_QUEUE_PREFIX", "vedfolnir:rq:"),
		DefaultTimeout:          getEnvAsSeconds("RQ_DEFAULT_TIMEOUT", 300*time.Second),
		ResultTTL:               getEnvAsSeconds("RQ_RESULT_TTL", 86400*time.Second),
		JobTTL:                  getEnvAsSeconds("RQ_JOB_TTL", 7200*time.Second),
		HealthCheckInterval:     getEnvAsSeconds("RQ_HEALTH_CHECK_INTERVAL", 30*time.Second),
		MemoryThreshold:         getEnvAsFloat("REDIS_MEMORY_THRESHOLD", 0.8),
		FailureThreshold:        getEnvAsInt("RQ_FAILURE_THRESHOLD", 3),
		MaxReconnectionAttempts: getEnvAsInt("RQ_MAX_RECONNECTION_ATTEMPTS", 10),
		CleanupInterval:         getEnvAsSeconds("RQ_CLEANUP_INTERVAL", 3600*time.Second),
		CompletedTaskTTL:        getEnvAsSeconds("RQ_COMPLETED_TASK_TTL", 86400*time.Second),
		FailedTaskTTL:           getEnvAsSeconds("RQ_FAILED_TASK_TTL", 604800*time.Second),
		UserTaskTTL:             getEnvAsSeconds("RQ_USER_TASK_TTL", 7200*time.Second),
		WorkerHeartbeatTTL:      getEnvAsSeconds("RQ_WORKER_HEARTBEAT_TTL", 300*time.Second),
		ProgressTTL:             getEnvAsSeconds("RQ_PROGRESS_TTL", 7200*time.Second),
		TerminalProgressTTL:     getEnvAsSeconds("RQ_TERMINAL_PROGRESS_TTL", 300*time.Second),
		ScheduledPollInterval:   getEnvAsSeconds("RQ_SCHEDULED_POLL_INTERVAL", 5*time.Second),
		DBStrictAdmission:       getEnvAsBool("RQ_DB_STRICT_ADMISSION", false),
		Logging:                 loadLoggingConfig(),
	}

	cfg.Queues = defaultQueueConfigs(cfg.QueuePrefix, cfg.DefaultTimeout)
	cfg.WorkerGroups = DefaultWorkerGroups(cfg.WorkerCount)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run under. Startup
// refuses to proceed on any error here.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	switch c.WorkerMode {
	case WorkerModeIntegrated, WorkerModeExternal, WorkerModeHybrid:
	default:
		return fmt.Errorf("WORKER_MODE must be integrated, external or hybrid, got %q", c.WorkerMode)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("RQ_WORKER_COUNT must be at least 1")
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("RQ_WORKER_TIMEOUT must be positive")
	}
	if c.WorkerMemoryLimitMB < 1 {
		return fmt.Errorf("RQ_WORKER_MEMORY_LIMIT must be at least 1 MB")
	}
	if c.QueuePrefix == "" {
		return fmt.Errorf("RQ_QUEUE_PREFIX cannot be empty")
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		return fmt.Errorf("REDIS_MEMORY_THRESHOLD must be in (0,1], got %v", c.MemoryThreshold)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("RQ_FAILURE_THRESHOLD must be at least 1")
	}
	if c.MaxReconnectionAttempts < 1 {
		return fmt.Errorf("RQ_MAX_RECONNECTION_ATTEMPTS must be at least 1")
	}
	for name, q := range c.Queues {
		if q.Timeout <= 0 {
			return fmt.Errorf("queue %s has non-positive timeout", name)
		}
		if err := q.Retry.Validate(); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	if len(c.WorkerGroups) == 0 {
		return fmt.Errorf("at least one worker group is required")
	}
	for i, g := range c.WorkerGroups {
		if g.Count < 1 {
			return fmt.Errorf("worker group %d has non-positive count", i)
		}
		if len(g.Queues) == 0 {
			return fmt.Errorf("worker group %d has no queues", i)
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a
// default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a
// default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds reads an integer number of seconds, the unit all RQ_*
// duration keys use
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	secs, err := strconv.Atoi(valueStr)
	if err != nil || secs <= 0 {
		return defaultValue
	}
	return time.Duration(secs) * time.Second
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a
// default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/vedfolnir/rq.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)

	return cfg
}
