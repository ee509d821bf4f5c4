// Package logging configures the application logger and keeps a bounded
// in-memory buffer of recent entries so the dashboard can display them
// without reading log files.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options are the logger initialization parameters.
type Options struct {
	Level      string // trace|debug|info|warning|error|fatal
	Format     string // text|json
	File       string // Log file path prefix; empty logs to stdout only
	BufferSize int    // Number of recent entries kept in memory (0 uses the default)
}

// DefaultBufferSize is the number of recent entries kept when Options.BufferSize is zero.
const DefaultBufferSize = 1000

// Entry is a buffered log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"` // When the entry was created
	Level     string         `json:"level"`     // Level name, e.g. "info"
	Message   string         `json:"message"`   // Log message
	Fields    map[string]any `json:"fields"`    // Structured fields attached to the entry
}

// Buffer is a logrus hook that retains the most recent entries.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
}

// NewBuffer creates a buffer retaining up to size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{entries: make([]Entry, 0, size), size: size}
}

// Levels implements logrus.Hook.
func (b *Buffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (b *Buffer) Fire(e *logrus.Entry) error {
	fields := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, Entry{
		Timestamp: e.Time,
		Level:     e.Level.String(),
		Message:   e.Message,
		Fields:    fields,
	})
	if len(b.entries) > b.size {
		copy(b.entries, b.entries[len(b.entries)-b.size:])
		b.entries = b.entries[:b.size]
	}
	return nil
}

// Recent returns up to count of the most recent entries, oldest first.
// A non-positive count returns the whole buffer.
func (b *Buffer) Recent(count int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if count <= 0 || count > len(b.entries) {
		count = len(b.entries)
	}
	result := make([]Entry, count)
	copy(result, b.entries[len(b.entries)-count:])
	return result
}

// ByLevel returns up to count of the most recent entries at the given level.
func (b *Buffer) ByLevel(level string, count int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var filtered []Entry
	for i := len(b.entries) - 1; i >= 0 && (count <= 0 || len(filtered) < count); i-- {
		if strings.EqualFold(b.entries[i].Level, level) {
			filtered = append([]Entry{b.entries[i]}, filtered...)
		}
	}
	return filtered
}

// Since returns entries created after t.
func (b *Buffer) Since(t time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Entry
	for _, e := range b.entries {
		if e.Timestamp.After(t) {
			result = append(result, e)
		}
	}
	return result
}

// Init builds a logger from opts and attaches a fresh Buffer to it.
func Init(opts Options) (*logrus.Logger, *Buffer, error) {
	l := logrus.New()
	l.SetLevel(ParseLevel(opts.Level))

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File != "" {
		name := fmt.Sprintf("%s_%s.log", opts.File, time.Now().Format("2006-01-02_15-04-05"))
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		l.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		l.SetOutput(os.Stdout)
	}

	buf := NewBuffer(opts.BufferSize)
	l.AddHook(buf)
	return l, buf, nil
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warning", "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Discard returns a logger that writes nowhere; tests use it.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
