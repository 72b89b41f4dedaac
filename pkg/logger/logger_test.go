package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "fuelledger/internal/core/context"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewFromZap(zap.New(core)), logs
}

func TestFromContext_AddsTraceAndActor(t *testing.T) {
	log, logs := observed()

	ctx := WithLogger(context.Background(), log)
	ctx = appctx.WithTrace(ctx, &appctx.TraceContext{TraceID: "t-1", RequestID: "r-1"})
	ctx = appctx.WithActor(ctx, "operator-7")

	Info(ctx, "ledger entry linked", "entry_id", "e-1")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "t-1", fields["trace_id"])
	assert.Equal(t, "r-1", fields["request_id"])
	assert.Equal(t, "operator-7", fields["actor_id"])
	assert.Equal(t, "e-1", fields["entry_id"])
}

func TestFromContext_WithoutTrace(t *testing.T) {
	log, logs := observed()

	Warn(WithLogger(context.Background(), log), "drift")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.NotContains(t, entry.ContextMap(), "trace_id")
	assert.NotContains(t, entry.ContextMap(), "actor_id")
}

func TestWithComponent(t *testing.T) {
	log, logs := observed()

	log.WithComponent("outbox-worker").Infow("relayed", "count", 3)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "outbox-worker", logs.All()[0].ContextMap()["component"])
}

func TestSetLevel(t *testing.T) {
	log, err := New(Config{Level: "info", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)

	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
	require.NoError(t, log.SetLevel("debug"))
	assert.True(t, log.WithComponent("x").Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.Error(t, log.SetLevel("loud"))
}
