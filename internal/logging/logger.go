package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

// OperationIDKey carries the ID of the structural operation being handled.
const OperationIDKey contextKey = "operation_id"

type Logger struct {
	*zap.Logger
}

// NewLogger builds a JSON logger at level writing to stderr and, when
// file is set, to a rotated log file as well.
func NewLogger(level, file string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	if file == "" {
		logger, err := config.Build()
		if err != nil {
			return nil, err
		}
		return &Logger{logger}, nil
	}

	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    128, // megabytes
		MaxBackups: 5,
		MaxAge:     16, // days
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), config.Level),
		zapcore.NewCore(encoder, rotated, config.Level),
	)
	return &Logger{zap.New(core, zap.AddCaller())}, nil
}

// WithOperation returns a logger tagged with the operation ID in ctx.
func (l *Logger) WithOperation(ctx context.Context) *zap.Logger {
	return FromContext(ctx, l.Logger)
}

// FromContext tags base with the operation ID carried by ctx, if any.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if opID, ok := ctx.Value(OperationIDKey).(string); ok {
		return base.With(zap.String("operation_id", opID))
	}
	return base
}

// WithOperationID stores opID in ctx.
func WithOperationID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, OperationIDKey, opID)
}
