// Package logger provides the levelled logger used by camsync.
//
// Output goes to stdout, stderr or an append-only log file. Colour is only
// used when the destination is a terminal.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level for per-host and per-file detail
	DEBUG LogLevel = iota
	// INFO level for run progress
	INFO
	// WARN level for host failures that do not stop the run
	WARN
	// ERROR level for fatal problems
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string to LogLevel. Unknown values map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorGray   = "\033[90m"
)

// Logger is a levelled logger safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	output   io.Writer
	closer   io.Closer
	noColor  bool
	showTime bool
	now      func() time.Time
}

// Config holds logger configuration
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool
}

// New creates a new logger with the given configuration. A log file that
// cannot be opened falls back to stderr.
func New(cfg *Config) *Logger {
	l := &Logger{
		level:  INFO,
		output: os.Stdout,
		now:    time.Now,
	}
	if cfg == nil {
		l.noColor = !isTerminal(l.output)
		return l
	}

	if cfg.Level != "" {
		l.level = ParseLogLevel(cfg.Level)
	}
	l.showTime = cfg.ShowTime
	l.noColor = cfg.NoColor

	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		l.output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.output = os.Stderr
			fmt.Fprintf(os.Stderr, "camsync: cannot open log file %s: %v\n", cfg.Output, err)
			break
		}
		l.output = f
		l.closer = f
		l.noColor = true
	}

	if !l.noColor {
		l.noColor = !isTerminal(l.output)
	}
	return l
}

// NewWithLevel creates a new logger with the specified log level
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level})
}

// NewWriter creates an uncoloured logger writing to w.
func NewWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{level: level, output: w, noColor: true, now: time.Now}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.output = os.Stderr
	return err
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)

	var levelStr, color string
	switch level {
	case DEBUG:
		levelStr, color = "DEBUG", colorGray
	case INFO:
		levelStr, color = "INFO ", colorGreen
	case WARN:
		levelStr, color = "WARN ", colorYellow
	case ERROR:
		levelStr, color = "ERROR", colorRed
	}
	if !l.noColor {
		levelStr = color + levelStr + colorReset
	}

	if l.showTime {
		fmt.Fprintf(l.output, "%s [%s] %s\n", l.now().Format("2006-01-02 15:04:05"), levelStr, msg)
		return
	}
	fmt.Fprintf(l.output, "[%s] %s\n", levelStr, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithField returns a log entry with fields
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: map[string]interface{}{key: value},
	}
}

// WithFields returns a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Entry{logger: l, fields: copied}
}

// Entry is a log line prefix of key=value fields. Fields are printed in key
// order.
type Entry struct {
	logger *Logger
	fields map[string]interface{}
}

// WithField returns a copy of the entry with one more field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	next := e.logger.WithFields(e.fields)
	next.fields[key] = value
	return next
}

// Debug logs a debug message with fields
func (e *Entry) Debug(format string, args ...interface{}) {
	e.log(DEBUG, format, args...)
}

// Info logs an info message with fields
func (e *Entry) Info(format string, args ...interface{}) {
	e.log(INFO, format, args...)
}

// Warn logs a warning message with fields
func (e *Entry) Warn(format string, args ...interface{}) {
	e.log(WARN, format, args...)
}

// Error logs an error message with fields
func (e *Entry) Error(format string, args ...interface{}) {
	e.log(ERROR, format, args...)
}

func (e *Entry) log(level LogLevel, format string, args ...interface{}) {
	if len(e.fields) == 0 {
		e.logger.log(level, format, args...)
		return
	}

	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.fields[k]))
	}

	e.logger.log(level, "%s %s", strings.Join(parts, " "), fmt.Sprintf(format, args...))
}

var (
	stdMu sync.RWMutex
	std   = New(&Config{Level: "INFO"})
)

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	stdMu.Lock()
	defer stdMu.Unlock()
	std = l
}

// Default returns the default logger
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, ERROR+1)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}
