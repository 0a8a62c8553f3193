package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.NotNil(t, logger.zap)
	assert.Equal(t, cfg, logger.config)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func observedLogger() (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	return &Logger{zap: zap.New(core), config: NewDefaultConfig()}, observed
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	logger, observed := observedLogger()
	ctx := context.Background()

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
		message string
	}{
		{"trace", func() { logger.Trace(ctx, "trace msg") }, TraceLevel, "trace msg"},
		{"debug", func() { logger.Debug(ctx, "debug msg") }, zapcore.DebugLevel, "debug msg"},
		{"info", func() { logger.Info(ctx, "info msg") }, zapcore.InfoLevel, "info msg"},
		{"warn", func() { logger.Warn(ctx, "warn msg") }, zapcore.WarnLevel, "warn msg"},
		{"error", func() { logger.Error(ctx, "error msg") }, zapcore.ErrorLevel, "error msg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := observed.Len()
			tt.logFunc()

			entries := observed.All()
			require.Len(t, entries, before+1)
			entry := entries[len(entries)-1]
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, tt.message, entry.Message)
		})
	}
}

func TestLogger_ContextFieldsAppended(t *testing.T) {
	logger, observed := observedLogger()

	ctx := WithSessionID(context.Background(), "payments-20260825-174502")
	ctx = WithIteration(ctx, 7)

	logger.Info(ctx, "iteration finished")

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := map[string]any{}
	for _, f := range entries[0].Context {
		switch f.Type {
		case zapcore.StringType:
			fields[f.Key] = f.String
		case zapcore.Int64Type:
			fields[f.Key] = int(f.Integer)
		}
	}
	assert.Equal(t, "payments-20260825-174502", fields["session.id"])
	assert.Equal(t, 7, fields["iteration"])
}

func TestLogger_WithAndNamed(t *testing.T) {
	logger, observed := observedLogger()

	child := logger.With(zap.String("component", "checkpoint")).Named("store")
	child.Info(context.Background(), "saved")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "store", entries[0].LoggerName)

	found := false
	for _, f := range entries[0].Context {
		if f.Key == "component" && f.String == "checkpoint" {
			found = true
		}
	}
	assert.True(t, found, "expected component field on child logger")
}

func TestWithLoggerAndFromContext(t *testing.T) {
	logger, _ := observedLogger()

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	// Missing logger falls back to a nop.
	fallback := FromContext(context.Background())
	require.NotNil(t, fallback)
}

func TestWithSessionID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		WithSessionID(context.Background(), "bad id with spaces")
	})
	assert.Panics(t, func() {
		WithSessionID(context.Background(), "")
	})
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("shouty")
	assert.Error(t, err)
}
