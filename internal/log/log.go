package log

import (
	"fmt"
	stdlog "log"
	"os"
	"sync"
)

// Level is a log severity. Lines below the configured minimum are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

var (
	mu       sync.Mutex
	logger   = stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds)
	minLevel = LevelInfo
)

// SetLevel sets the minimum severity that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// Debug logs a debug line with structured key=value pairs.
func Debug(msg string, kv ...any) { emit(LevelDebug, msg, kv...) }

// Info logs an informational line with structured key=value pairs.
func Info(msg string, kv ...any) { emit(LevelInfo, msg, kv...) }

// Warn logs a warning line with structured key=value pairs.
func Warn(msg string, kv ...any) { emit(LevelWarn, msg, kv...) }

// Error logs an error line; err is prepended to the key=value pairs.
func Error(msg string, err error, kv ...any) {
	emit(LevelError, msg, append([]any{"err", err}, kv...)...)
}

func emit(l Level, msg string, kv ...any) {
	mu.Lock()
	enabled := l >= minLevel
	mu.Unlock()
	if !enabled {
		return
	}

	line := "[" + l.String() + "] " + msg
	// kv comes in pairs; a trailing odd value is ignored.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		line += " " + key + "=" + fmt.Sprint(kv[i+1])
	}
	logger.Println(line)
}
