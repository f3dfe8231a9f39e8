package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/fyrsmithlabs/docindex/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := newLogger(cfg, zapcore.AddSync(buf))
	require.NoError(t, err)
	return l, buf
}

func TestNewLogger_JSONOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	l, buf := bufferLogger(t, cfg)

	l.Info(context.Background(), "indexed document", zap.String("path", "docs/a.md"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "indexed document", entry["msg"])
	assert.Equal(t, "docs/a.md", entry["path"])
	assert.Equal(t, "docindex", entry["service"])
	assert.Contains(t, entry, "ts")
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel
	l, buf := bufferLogger(t, cfg)

	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_TraceLevelEncoding(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	cfg.Sampling.Enabled = false
	l, buf := bufferLogger(t, cfg)

	l.Underlying().Log(TraceLevel, "chunk emitted")

	assert.Contains(t, buf.String(), `"level":"trace"`)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestSampling_ErrorsNeverDropped(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Initial = 1
	cfg.Sampling.Thereafter = 0
	l, buf := bufferLogger(t, cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Info(ctx, "repeated info")
		l.Error(ctx, "repeated error")
	}

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("repeated info")))
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("repeated error")))
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)

	_, err = FromAppConfig(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]zapcore.Level{
		"trace": TraceLevel,
		"DEBUG": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := LevelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestContextFields(t *testing.T) {
	tp := trace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRunID(ctx, "run-7")

	tl := NewTestLogger()
	tl.Info(ctx, "searching")

	tl.AssertField(t, "searching", "request.id", "req-1")
	tl.AssertField(t, "searching", "run.id", "run-7")
	tl.AssertField(t, "searching", "trace_id", span.SpanContext().TraceID().String())
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(WithRequestID(context.Background(), "")))
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	tl.Named("indexer").Warn(context.Background(), "document skipped", zap.Int("workers", 4))

	tl.AssertLogged(t, zapcore.WarnLevel, "skipped")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "skipped")
	tl.AssertField(t, "document skipped", "workers", int64(4))
	require.Len(t, tl.All(), 1)
	assert.Equal(t, "indexer", tl.All()[0].LoggerName)
}
