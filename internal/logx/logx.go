// Package logx provides structured logging with environment-driven debug
// levels and an in-memory buffer of recent entries (see RecentEntries).
package logx

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is a component-tagged logger. Components are named after the
// package or runtime entity emitting the line: "config", "scheduler",
// "controller:<agent>", "executor:<jobId>", "bus".
type Logger struct {
	component string
	logger    *log.Logger
}

// Level is the severity of a log line. Ordering matches §4.8:
// debug < info < warn < error.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Rank returns the ordinal position of the level for comparisons against a
// minimum-level filter (used by Buffer.Recent).
func (l Level) Rank() int {
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

// DebugConfig controls debug logging behavior, parsed once from the
// environment at process start.
type DebugConfig struct {
	Enabled bool
	LogDir  string
	Domains map[string]bool // nil = all domains
}

// Entry is a structured log line kept in the in-memory buffer.
type Entry struct {
	Timestamp time.Time
	Component string
	Level     Level
	Message   string
}

// Buffer is a bounded ring buffer of recent log entries, read back through
// RecentEntries.
type Buffer struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

func newBuffer(maxSize int) *Buffer {
	return &Buffer{entries: make([]Entry, 0, maxSize), maxSize: maxSize}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Recent returns a copy of buffered entries at or above minLevel, optionally
// filtered by component, most-recent-last.
func (b *Buffer) Recent(minLevel Level, component string, limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Level.Rank() < minLevel.Rank() {
			continue
		}
		if component != "" && e.Component != component {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex
	logBuffer   = newBuffer(1000)
)

func getProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "."
}

func init() { //nolint:gochecknoinits // env-var initialization, matches teacher idiom
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.LogDir = filepath.Join(getProjectRoot(), "logs")

	if v := os.Getenv("HERDCTL_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugConfig.Enabled = true
	}
	if dir := os.Getenv("HERDCTL_DEBUG_DIR"); dir != "" {
		debugConfig.LogDir = dir
	}
	if domains := os.Getenv("HERDCTL_DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(d)] = true
		}
	}
}

// New creates a logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{component: component, logger: log.New(os.Stderr, "", 0)}
}

// IsDebugEnabledForComponent reports whether debug logging fires for the
// given component under the current environment configuration.
func IsDebugEnabledForComponent(component string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[component]
}

func (l *Logger) emit(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC()
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s: %s", ts.Format(time.RFC3339Nano), l.component, level, msg))
	logBuffer.add(Entry{Timestamp: ts, Component: l.component, Level: level, Message: msg})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForComponent(l.component) {
		return
	}
	l.emit(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

// Component returns the logger's component tag.
func (l *Logger) Component() string { return l.component }

// With returns a new logger with a suffixed component tag, e.g. for a
// logger tagged "executor", With(jobID) -> "executor:job-...".
func (l *Logger) With(suffix string) *Logger {
	return &Logger{component: l.component + ":" + suffix, logger: l.logger}
}

// RecentEntries exposes the global buffer for history replay.
func RecentEntries(minLevel Level, component string, limit int) []Entry {
	return logBuffer.Recent(minLevel, component, limit)
}

// Wrap logs msg + ": " + err.Error() at error level and returns the wrapped
// error, mirroring the teacher's logx.Wrap convenience.
func (l *Logger) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	l.Error("%s", wrapped.Error())
	return wrapped
}
