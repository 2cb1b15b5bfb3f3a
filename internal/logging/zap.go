package logging

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.SugaredLogger to Logger. When the context carries a
// sampled span, its trace id is attached to every entry.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger returns a JSON logger writing to w at the given level.
// Unknown levels fall back to info.
func NewZapLogger(level string, w io.Writer) (*ZapLogger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		lvl,
	)

	return NewZapLoggerFromCore(core), nil
}

// NewZapLoggerFromCore wraps an existing core; tests pass an observer core.
func NewZapLoggerFromCore(core zapcore.Core) *ZapLogger {
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &ZapLogger{s: l.Sugar()}
}

func (z *ZapLogger) Debug(ctx context.Context, msg string, args ...any) {
	z.s.Debugw(msg, withTrace(ctx, args)...)
}

func (z *ZapLogger) Info(ctx context.Context, msg string, args ...any) {
	z.s.Infow(msg, withTrace(ctx, args)...)
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, args ...any) {
	z.s.Warnw(msg, withTrace(ctx, args)...)
}

func (z *ZapLogger) Error(ctx context.Context, msg string, args ...any) {
	z.s.Errorw(msg, withTrace(ctx, args)...)
}

func (z *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{s: z.s.With(args...)}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.s.Sync()
}

func withTrace(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return args
	}
	out := make([]any, 0, len(args)+2)
	out = append(out, "trace_id", sc.TraceID().String())
	return append(out, args...)
}
