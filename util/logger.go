package util

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	currentLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger       atomic.Pointer[zap.SugaredLogger]
)

func init() {
	SetOutput(os.Stderr)
}

func newLogger(w io.Writer) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		currentLevel,
	))
}

// SetOutput redirects all subsequent log lines to w.
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w).Sugar())
}

func SetLevel(level LogLevel) {
	currentLevel.SetLevel(level.zapLevel())
}

// Logger exposes the underlying zap logger for components that want structured fields.
func Logger() *zap.Logger {
	return logger.Load().Desugar()
}

func Debug(format string, v ...interface{}) {
	logger.Load().Debugf(format, v...)
}

func Info(format string, v ...interface{}) {
	logger.Load().Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	logger.Load().Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	logger.Load().Errorf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	logger.Load().Errorf(format, v...)
	_ = logger.Load().Sync()
	os.Exit(1)
}
