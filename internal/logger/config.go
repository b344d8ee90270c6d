package logger

import (
	"fmt"
	"time"
)

// LogLevel represents logging severity
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// severity maps levels to an ordering for filtering
func (l LogLevel) severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// LogFormat selects console rendering
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Component tags a log entry with the subsystem that emitted it
type Component string

const (
	ComponentQueue    Component = "queue"
	ComponentWorker   Component = "worker"
	ComponentHealth   Component = "health"
	ComponentFallback Component = "fallback"
	ComponentProgress Component = "progress"
	ComponentGovernor Component = "governor"
	ComponentSecurity Component = "security"
	ComponentStore    Component = "store"
)

// ConsoleConfig configures the console tier
type ConsoleConfig struct {
	Enabled bool
	Color   bool
}

// FileConfig configures the rotating-file tier
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// BufferSize is the async channel capacity; writes drop to stderr
	// notice when the buffer is full rather than blocking callers
	BufferSize    int
	BatchSize     int
	BatchInterval time.Duration
}

// Config holds logger configuration for all tiers
type Config struct {
	Level   LogLevel
	Format  LogFormat
	Console ConsoleConfig
	File    FileConfig
}

// DefaultConfig returns a console-only text logger at info level
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatText,
		Console: ConsoleConfig{
			Enabled: true,
			Color:   true,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/vedfolnir/rq.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %q", c.Level)
	}
	switch c.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %q", c.Format)
	}
	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but no path configured")
		}
		if c.File.BufferSize < 1 {
			return fmt.Errorf("file log buffer size must be positive")
		}
		if c.File.BatchSize < 1 {
			return fmt.Errorf("file log batch size must be positive")
		}
	}
	return nil
}
