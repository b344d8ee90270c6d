package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleLogger renders entries to stderr, either as colored text or as
// one JSON object per line
type ConsoleLogger struct {
	config *Config
	out    io.Writer
	mu     sync.Mutex

	levelColors map[LogLevel]*color.Color
}

// NewConsoleLogger creates the console tier
func NewConsoleLogger(config *Config) *ConsoleLogger {
	cl := &ConsoleLogger{
		config: config,
		out:    os.Stderr,
	}
	if config.Console.Color && config.Format == FormatText {
		cl.levelColors = map[LogLevel]*color.Color{
			LevelDebug: color.New(color.FgHiBlack),
			LevelInfo:  color.New(color.FgGreen),
			LevelWarn:  color.New(color.FgYellow),
			LevelError: color.New(color.FgRed, color.Bold),
		}
	}
	return cl
}

// Write renders one entry. Console writes are synchronous; the volume a
// queue core produces does not justify an async buffer on this tier.
func (cl *ConsoleLogger) Write(entry *Entry) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.config.Format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(cl.out, "logger: marshal failed: %v\n", err)
			return
		}
		cl.out.Write(append(data, '\n'))
		return
	}

	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')

	tag := strings.ToUpper(string(entry.Level))
	if c, ok := cl.levelColors[entry.Level]; ok {
		tag = c.Sprint(tag)
	}
	b.WriteString(tag)

	if entry.Component != "" {
		b.WriteString(" [")
		b.WriteString(string(entry.Component))
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	b.WriteByte('\n')
	io.WriteString(cl.out, b.String())
}

// Close satisfies the tier interface; stderr needs no teardown
func (cl *ConsoleLogger) Close() error {
	return nil
}
