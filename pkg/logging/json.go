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

const redacted = "[REDACTED]"

// sensitiveKeys are matched as substrings of lower-cased field keys.
var sensitiveKeys = []string{"password", "passphrase", "secret", "token", "authorization", "signature"}

// JSONLogger writes one JSON object per line.
type JSONLogger struct {
	mu     *sync.Mutex
	writer io.Writer
	level  *Level
	fields []Field
	now    func() time.Time
}

// entry is the JSON shape of a single log line.
type entry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NewJSONLogger creates a logger writing to w at the given minimum level.
func NewJSONLogger(w io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		mu:     &sync.Mutex{},
		writer: w,
		level:  &level,
		now:    time.Now,
	}
}

// NewDefaultLogger writes to stdout at the level named by levelName.
func NewDefaultLogger(levelName string) *JSONLogger {
	return NewJSONLogger(os.Stdout, ParseLevel(levelName))
}

// SetClock overrides the entry timestamp source.
func (l *JSONLogger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *JSONLogger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < *l.level {
		return
	}

	e := entry{
		Time:    l.now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}

	if n := len(l.fields) + len(fields); n > 0 {
		e.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			e.Fields[f.Key] = scrub(f)
		}
		for _, f := range fields {
			e.Fields[f.Key] = scrub(f)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(l.writer, `{"level":"ERROR","msg":"failed to marshal log entry: %s"}`+"\n", err)
		return
	}
	l.writer.Write(append(data, '\n'))
}

func scrub(f Field) any {
	key := strings.ToLower(f.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return redacted
		}
	}
	return f.Value
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With returns a child logger that shares the writer, lock and level of l.
func (l *JSONLogger) With(fields ...Field) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &JSONLogger{
		mu:     l.mu,
		writer: l.writer,
		level:  l.level,
		fields: merged,
		now:    l.now,
	}
}

// SetLevel changes the minimum level for l and every logger derived from it.
func (l *JSONLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

func (l *JSONLogger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.level
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = NopLogger{}
