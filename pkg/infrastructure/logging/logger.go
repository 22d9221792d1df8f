// Package logging provides leveled structured logging with text and JSON
// output. Component loggers share their parent's sink and level, so a level
// change at the root applies process-wide.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// LogFormat represents different log output formats
type LogFormat int

const (
	TextFormat LogFormat = iota
	JSONFormat
)

// ParseLogFormat parses a string into a LogFormat
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(format) {
	case "text", "":
		return TextFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return TextFormat, fmt.Errorf("invalid log format: %s", format)
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// loggerCore is the state shared between a root logger and its component
// children
type loggerCore struct {
	mu     sync.RWMutex
	level  LogLevel
	format LogFormat
	output io.Writer
}

// Logger provides structured logging functionality
type Logger struct {
	core      *loggerCore
	component string
}

// Config holds logger configuration
type Config struct {
	Level     LogLevel
	Format    LogFormat
	Output    io.Writer
	Component string
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: os.Stdout,
	}
}

// NewLogger creates a logger from the given configuration
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		core: &loggerCore{
			level:  config.Level,
			format: config.Format,
			output: output,
		},
		component: config.Component,
	}
}

// Nop returns a logger that discards all output. Useful in tests.
func Nop() *Logger {
	return &Logger{core: &loggerCore{level: ErrorLevel + 1, output: io.Discard}}
}

// WithComponent returns a child logger tagged with the given component name.
// The child shares the parent's level, format and output.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{core: l.core, component: component}
}

// SetLevel changes the minimum emitted level for this logger and every
// logger sharing its core
func (l *Logger) SetLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// Debug logs a message at debug level
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(DebugLevel, message, fields)
}

// Info logs a message at info level
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(InfoLevel, message, fields)
}

// Warn logs a message at warn level
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(WarnLevel, message, fields)
}

// Error logs a message at error level
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(ErrorLevel, message, fields)
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()

	if level < l.core.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
		Component: l.component,
		Fields:    fields,
	}

	switch l.core.format {
	case JSONFormat:
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.core.output, "log marshal error: %v\n", err)
			return
		}
		fmt.Fprintln(l.core.output, string(data))
	default:
		var b strings.Builder
		b.WriteString(entry.Timestamp.Format(time.RFC3339))
		b.WriteString(" [")
		b.WriteString(entry.Level)
		b.WriteString("]")
		if entry.Component != "" {
			b.WriteString(" ")
			b.WriteString(entry.Component)
			b.WriteString(":")
		}
		b.WriteString(" ")
		b.WriteString(entry.Message)
		for k, v := range fields {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
		fmt.Fprintln(l.core.output, b.String())
	}
}
