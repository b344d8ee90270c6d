package fallback

import (
	"errors"

	"github.com/iolaire/vedfolnir-queue/internal/logger"
)

// ErrRedisUnavailable is returned when an operator forces RQ_ONLY while
// Redis is still classified unhealthy
var ErrRedisUnavailable = errors.New("redis unavailable, cannot force RQ_ONLY")

// AlertLevel grades operational alerts
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// AlertSink receives operational alerts raised by the fallback manager.
// Implementations must not block; deployments plug in pagers or chat
// hooks here.
type AlertSink interface {
	Send(level AlertLevel, message string, fields map[string]interface{})
}

// LogAlertSink is the default sink, routing alerts through the logger
type LogAlertSink struct {
	log logger.Logger
}

// NewLogAlertSink creates the logger-backed sink
func NewLogAlertSink(log logger.Logger) *LogAlertSink {
	return &LogAlertSink{log: log.WithComponent(logger.ComponentFallback)}
}

// Send writes the alert at a severity matching its level
func (s *LogAlertSink) Send(level AlertLevel, message string, fields map[string]interface{}) {
	args := make([]interface{}, 0, 2+len(fields)*2)
	args = append(args, "alert_level", string(level))
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch level {
	case AlertCritical, AlertError:
		s.log.Error(message, args...)
	case AlertWarning:
		s.log.Warn(message, args...)
	default:
		s.log.Info(message, args...)
	}
}
