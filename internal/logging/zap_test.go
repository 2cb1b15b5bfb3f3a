package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFromCore(core)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "inf", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].ContextMap()["b"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestZapLogger_With(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZapLoggerFromCore(core).With("component", "worker")

	log.Info(context.Background(), "tick", "n", 1)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "worker", fields["component"])
	assert.Equal(t, int64(1), fields["n"])
}

func TestZapLogger_AttachesTraceID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZapLoggerFromCore(core)

	tid, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.Info(ctx, "traced")

	assert.Equal(t, tid.String(), logs.All()[0].ContextMap()["trace_id"])
}

func TestZapLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger("warn", &buf)
	require.NoError(t, err)

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown", "k", "v")
	require.NoError(t, log.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"timestamp"`)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	l, err := New("info", "text", &buf)
	require.NoError(t, err)
	l.Info(context.Background(), "plain", "k", "v")
	assert.Contains(t, buf.String(), "msg=plain")

	l, err = New("info", "", &buf)
	require.NoError(t, err)
	assert.IsType(t, &ZapLogger{}, l)

	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info(context.Background(), "nothing")
	assert.NotNil(t, l.With("k", "v"))
}
