// Package logging writes one JSON object per event to a writer, with the
// service name and hostname stamped on every line.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Logger emits structured JSON log lines.
type Logger struct {
	service string

	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// New creates a logger writing to stdout.
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout, now: time.Now}
}

// NewWriter creates a logger writing to w, used by tests.
func NewWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w, now: time.Now}
}

// Fields carries per-event key/value context.
type Fields map[string]any

func (l *Logger) log(level, action string, fields Fields, err error) {
	entry := map[string]any{
		"timestamp": l.now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"service":   l.service,
		"action":    action,
		"hostname":  hostname(),
	}
	for k, v := range fields {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = json.NewEncoder(l.out).Encode(entry)
}

func (l *Logger) Debug(action string, fields Fields) { l.log("DEBUG", action, fields, nil) }
func (l *Logger) Info(action string, fields Fields)  { l.log("INFO", action, fields, nil) }
func (l *Logger) Warn(action string, fields Fields)  { l.log("WARN", action, fields, nil) }
func (l *Logger) Error(action string, err error, fields Fields) {
	l.log("ERROR", action, fields, err)
}

func hostname() string { h, _ := os.Hostname(); return h }
