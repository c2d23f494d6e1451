package logger

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func parseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return config.Build()
}

// NewAsyncLogger builds a production JSON logger whose output goes through
// a bounded queue, so slow log I/O never blocks the trading loop.
// Sync the returned writer on shutdown to flush it.
func NewAsyncLogger(level string, queueSize int, out io.Writer) (*zap.Logger, *AsyncWriter) {
	w := NewAsyncWriter(out, queueSize)
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, w, zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller()), w
}
