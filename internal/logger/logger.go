// Package logger provides the process-wide structured logger: an always-on
// console tier plus an optional rotating-file tier. Both tiers share one
// entry format so a file line can be correlated with its console line.
package logger

import (
	"fmt"
	"sync"
	"time"
)

// Logger is the interface the rest of the system logs through
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// WithFields returns a logger that attaches fields to every entry
	WithFields(fields map[string]interface{}) Logger

	// WithComponent returns a logger tagged with a subsystem
	WithComponent(component Component) Logger

	// Close flushes and closes all tiers
	Close() error
}

// Entry is a single structured log record shared by all tiers
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// MultiLogger dispatches entries to the enabled tiers
type MultiLogger struct {
	config     *Config
	console    *ConsoleLogger
	file       *FileLogger
	baseFields map[string]interface{}
	component  Component
}

// NewLogger creates a logger from configuration. A broken file tier is
// reported but never fatal; console logging keeps the process observable.
func NewLogger(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{config: config}

	if config.Console.Enabled {
		ml.console = NewConsoleLogger(config)
	}

	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			ml.log(LevelWarn, "file logger disabled", map[string]interface{}{"error": err.Error()})
		} else {
			ml.file = file
		}
	}

	return ml, nil
}

func (ml *MultiLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level.severity() < ml.config.Level.severity() {
		return
	}

	merged := fields
	if len(ml.baseFields) > 0 {
		merged = make(map[string]interface{}, len(ml.baseFields)+len(fields))
		for k, v := range ml.baseFields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	entry := &Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Component: ml.component,
		Fields:    merged,
	}

	if ml.console != nil {
		ml.console.Write(entry)
	}
	if ml.file != nil {
		ml.file.Write(entry)
	}
}

// argsToFields converts alternating key/value args into a field map
func argsToFields(args []interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = args[i+1]
	}
	if len(args)%2 != 0 {
		fields["extra"] = args[len(args)-1]
	}
	return fields
}

// Debug logs a debug message with alternating key/value args
func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.log(LevelDebug, msg, argsToFields(args))
}

// Info logs an info message with alternating key/value args
func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.log(LevelInfo, msg, argsToFields(args))
}

// Warn logs a warning with alternating key/value args
func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.log(LevelWarn, msg, argsToFields(args))
}

// Error logs an error with alternating key/value args
func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.log(LevelError, msg, argsToFields(args))
}

// WithFields returns a child logger carrying extra fields
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	child := *ml
	merged := make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	child.baseFields = merged
	return &child
}

// WithComponent returns a child logger tagged with a subsystem
func (ml *MultiLogger) WithComponent(component Component) Logger {
	child := *ml
	child.component = component
	return &child
}

// Close flushes and shuts down all tiers
func (ml *MultiLogger) Close() error {
	var firstErr error
	if ml.file != nil {
		if err := ml.file.Close(); err != nil {
			firstErr = err
		}
	}
	if ml.console != nil {
		if err := ml.console.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
)

// Default returns the process-wide logger, creating a console logger on
// first use if none has been installed
func Default() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		ml, err := NewLogger(DefaultConfig())
		if err != nil {
			// DefaultConfig always validates; keep the zero-value guard anyway
			panic(fmt.Sprintf("default logger: %v", err))
		}
		defaultLogger = ml
	}
	return defaultLogger
}

// SetDefault installs the process-wide logger
func SetDefault(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Debug logs through the default logger
func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }

// Info logs through the default logger
func Info(msg string, args ...interface{}) { Default().Info(msg, args...) }

// Warn logs through the default logger
func Warn(msg string, args ...interface{}) { Default().Warn(msg, args...) }

// Error logs through the default logger
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }
