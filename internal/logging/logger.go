package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(input string) Level {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Logger emits JSON lines carrying a level, a message, and bound key/value
// fields. Fields are supplied as alternating keys and values; a trailing key
// without a value is recorded as null.
type Logger struct {
	mu    sync.Mutex
	level Level
	bound []any
	out   *log.Logger
}

func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		level: level,
		out:   log.New(output, "", 0),
	}
}

// With returns a child logger carrying the given fields in addition to the
// parent's. The child shares the parent's output; level changes on the parent
// do not propagate.
func (l *Logger) With(kv ...any) *Logger {
	l.mu.Lock()
	level := l.level
	l.mu.Unlock()
	child := &Logger{
		level: level,
		out:   l.out,
		bound: make([]any, 0, len(l.bound)+len(kv)),
	}
	child.bound = append(child.bound, l.bound...)
	child.bound = append(child.bound, kv...)
	return child
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, kv ...any) { l.emit(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.emit(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.emit(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.emit(LevelError, msg, kv) }

func (l *Logger) emit(level Level, msg string, kv []any) {
	l.mu.Lock()
	enabled := level >= l.level
	l.mu.Unlock()
	if !enabled {
		return
	}

	payload := make(map[string]any, len(l.bound)/2+len(kv)/2+3)
	addPairs(payload, l.bound)
	addPairs(payload, kv)
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = msg

	data, err := json.Marshal(payload)
	if err != nil {
		l.mu.Lock()
		l.out.Printf("{\"level\":\"error\",\"message\":\"log marshal failed\",\"error\":%q}", err.Error())
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.out.Println(string(data))
	l.mu.Unlock()
}

func addPairs(dst map[string]any, kv []any) {
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 < len(kv) {
			dst[key] = normalize(kv[i+1])
		} else {
			dst[key] = nil
		}
	}
}

// normalize keeps payloads marshalable: errors and stringers become strings.
func normalize(v any) any {
	switch t := v.(type) {
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
