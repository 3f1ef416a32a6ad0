package obs

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = NewJSONLogger(zapcore.Lock(os.Stdout))
)

// Fields carries structured context for a single log event.
type Fields map[string]any

// NewJSONLogger builds the JSON logger on ws, honoring EnableDebug.
func NewJSONLogger(ws zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, level))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// SetLogger replaces the underlying zap logger. Passing nil restores the default stdout JSON logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = NewJSONLogger(zapcore.Lock(os.Stdout))
	}
	base = l
}

// Sync flushes buffered log entries.
func Sync() { _ = logger().Sync() }

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func (f Fields) zap() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { logger().Info(msg, f.zap()...) }
func Error(msg string, f Fields) { logger().Error(msg, f.zap()...) }
func Debug(msg string, f Fields) {
	if l := logger(); l.Core().Enabled(zapcore.DebugLevel) {
		l.Debug(msg, f.zap()...)
	}
}
