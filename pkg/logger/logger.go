// Package logger writes structured JSON log lines.
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

type Logger interface {
	Info(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Fatal(message string, fields map[string]interface{})
	With(fields map[string]interface{}) Logger
}

type jsonLogger struct {
	serviceName string
	base        map[string]interface{}
	logger      *log.Logger
}

func New(serviceName string) Logger {
	return NewWithWriter(serviceName, os.Stdout)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(serviceName string, w io.Writer) Logger {
	return &jsonLogger{
		serviceName: serviceName,
		logger:      log.New(w, "", 0),
	}
}

func (l *jsonLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &jsonLogger{serviceName: l.serviceName, base: merged, logger: l.logger}
}

func (l *jsonLogger) log(level, message string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"level":     level,
		"service":   l.serviceName,
		"message":   message,
	}

	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		if e, ok := v.(error); ok {
			v = e.Error()
		}
		entry[k] = v
	}

	jsonData, _ := json.Marshal(entry)
	l.logger.Println(string(jsonData))
}

func (l *jsonLogger) Info(message string, fields map[string]interface{}) {
	l.log("info", message, fields)
}

func (l *jsonLogger) Error(message string, fields map[string]interface{}) {
	l.log("error", message, fields)
}

func (l *jsonLogger) Warn(message string, fields map[string]interface{}) {
	l.log("warn", message, fields)
}

func (l *jsonLogger) Debug(message string, fields map[string]interface{}) {
	l.log("debug", message, fields)
}

func (l *jsonLogger) Fatal(message string, fields map[string]interface{}) {
	l.log("fatal", message, fields)
	os.Exit(1)
}

func NewNop() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (l *nopLogger) Info(message string, fields map[string]interface{})  {}
func (l *nopLogger) Error(message string, fields map[string]interface{}) {}
func (l *nopLogger) Warn(message string, fields map[string]interface{})  {}
func (l *nopLogger) Debug(message string, fields map[string]interface{}) {}
func (l *nopLogger) Fatal(message string, fields map[string]interface{}) {}
func (l *nopLogger) With(map[string]interface{}) Logger                  { return l }

// Entry is one captured log line.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// Recorder keeps log lines in memory so tests can assert on them.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	base    map[string]interface{}
	parent  *Recorder
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) root() *Recorder {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *Recorder) record(level, message string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(r.base)+len(fields))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.mu.Lock()
	root.entries = append(root.entries, Entry{Level: level, Message: message, Fields: merged})
	root.mu.Unlock()
}

func (r *Recorder) Info(m string, f map[string]interface{})  { r.record("info", m, f) }
func (r *Recorder) Error(m string, f map[string]interface{}) { r.record("error", m, f) }
func (r *Recorder) Warn(m string, f map[string]interface{})  { r.record("warn", m, f) }
func (r *Recorder) Debug(m string, f map[string]interface{}) { r.record("debug", m, f) }
func (r *Recorder) Fatal(m string, f map[string]interface{}) { r.record("fatal", m, f) }

func (r *Recorder) With(fields map[string]interface{}) Logger {
	return &Recorder{base: fields, parent: r}
}

// Entries returns a copy of everything logged so far.
func (r *Recorder) Entries() []Entry {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	out := make([]Entry, len(root.entries))
	copy(out, root.entries)
	return out
}

// Has reports whether a line with the given level and message was logged.
func (r *Recorder) Has(level, message string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}
