// Package logging writes the arena's structured JSON log lines. Every line starts with its
// time, level and message followed by the fields in the order they were attached.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"paddlearena/server/internal/config"
)

// Level orders log verbosity.
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name to a Level. An empty name means info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("logging.level: unknown level %q", raw)
}

// Field is one structured attribute of a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration renders value as a Go duration string.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Error renders err under the "error" key; nil becomes null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// MatchID tags a line with the match it concerns.
func MatchID(id string) Field { return Field{Key: "match_id", Value: id} }

// TournamentID tags a line with the tournament it concerns. Empty ids are still written so
// friendly and bracket matches log the same shape.
func TournamentID(id string) Field { return Field{Key: "tournament_id", Value: id} }

// UserID tags a line with the acting user.
func UserID(id string) Field { return Field{Key: "user_id", Value: id} }

// syncWriter is an output that can be flushed.
type syncWriter interface {
	io.Writer
	Sync() error
}

// sink serialises every line of a logger and its derived loggers.
type sink struct {
	mu sync.Mutex
	w  syncWriter
}

// Logger writes JSON lines at or above its level. Derived loggers share one sink so lines
// from different components never interleave.
type Logger struct {
	out    *sink
	level  Level
	fields []Field
	now    func() time.Time
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// New builds the process logger from the logging configuration. Lines always go to stdout; a
// configured path also feeds the rotating log file.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	sinks := teeWriter{os.Stdout}
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := openRotatingFile(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}
	return newLogger(level, sinks, String("service", "arena")), nil
}

func newLogger(level Level, w syncWriter, fields ...Field) *Logger {
	return &Logger{out: &sink{w: w}, level: level, fields: fields, now: time.Now}
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *Logger {
	return newLogger(DebugLevel, discard{})
}

// ReplaceGlobals installs the fallback logger used by packages constructed without one.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the fallback logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a logger that adds fields to every line. A repeated key replaces the
// earlier value in place.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	return &Logger{out: l.out, level: l.level, fields: merge(l.fields, fields), now: l.now}
}

// Named tags every line with the component that wrote it.
func (l *Logger) Named(component string) *Logger {
	return l.With(String("component", component))
}

// Sync flushes the underlying outputs.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.w.Sync()
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }

func (l *Logger) Info(msg string, fields ...Field) { l.log(InfoLevel, msg, fields) }

func (l *Logger) Warn(msg string, fields ...Field) { l.log(WarnLevel, msg, fields) }

func (l *Logger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if l == nil {
		L().log(level, msg, fields)
		return
	}
	if level < l.level {
		return
	}
	line := encodeLine(l.now(), level, msg, merge(l.fields, fields))
	l.out.mu.Lock()
	_, _ = l.out.w.Write(line)
	l.out.mu.Unlock()
}

// reserved keys are written by every line and renamed when a field reuses them.
var reserved = map[string]bool{"time": true, "level": true, "msg": true}

func encodeLine(at time.Time, level Level, msg string, fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"time":"`)
	buf.WriteString(at.UTC().Format(time.RFC3339Nano))
	buf.WriteString(`","level":"`)
	buf.WriteString(level.String())
	buf.WriteString(`","msg":`)
	writeValue(&buf, msg)
	for _, f := range fields {
		key := f.Key
		if reserved[key] {
			key = "field_" + key
		}
		buf.WriteByte(',')
		writeValue(&buf, key)
		buf.WriteByte(':')
		writeValue(&buf, f.Value)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		//1.- Unencodable values still leave a readable trace instead of a dropped line.
		raw, _ = json.Marshal(fmt.Sprintf("%+v", v))
	}
	buf.Write(raw)
}

// merge appends extra to base without mutating base. Keys already present are replaced in
// place so the first position of a key is stable.
func merge(base, extra []Field) []Field {
	if len(extra) == 0 {
		return base
	}
	out := make([]Field, len(base), len(base)+len(extra))
	copy(out, base)
	for _, f := range extra {
		replaced := false
		for i := range out {
			if out[i].Key == f.Key {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// teeWriter copies each line to every output. A failing output does not starve the others.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	var firstErr error
	for _, w := range t {
		if _, err := w.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

func (t teeWriter) Sync() error {
	var firstErr error
	for _, w := range t {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (discard) Sync() error { return nil }
