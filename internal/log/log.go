package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar  *zap.SugaredLogger
	initMu sync.Once
)

// initLogger builds the default production logger writing JSON to stderr.
func initLogger() {
	initMu.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		base, err := cfg.Build(zap.AddCallerSkip(2))
		if err != nil {
			base = zap.NewNop()
		}
		mu.Lock()
		if sugar == nil {
			sugar = base.Sugar()
		}
		mu.Unlock()
	})
}

// Use replaces the backing logger. Tests pass zap.NewNop() or an observer core.
func Use(l *zap.Logger) {
	initMu.Do(func() {})
	mu.Lock()
	sugar = l.WithOptions(zap.AddCallerSkip(2)).Sugar()
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		level.SetLevel(zapcore.DebugLevel)
	case LevelError:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// ParseLevel maps a config string ("debug", "info", "error") to a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelDebug):
		return LevelDebug
	case string(LevelError):
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

// Sync flushes buffered entries; call before process exit.
func Sync() {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s != nil {
		_ = s.Sync()
	}
}

func logWithLevel(l Level, msg string, kv ...any) {
	initLogger()
	mu.RLock()
	s := sugar
	mu.RUnlock()

	// Odd trailing key is dropped, same as the old formatter.
	if len(kv)%2 == 1 {
		kv = kv[:len(kv)-1]
	}

	switch l {
	case LevelDebug:
		s.Debugw(msg, kv...)
	case LevelError:
		s.Errorw(msg, kv...)
	default:
		s.Infow(msg, kv...)
	}
}
