package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOpenTelemetryIdempotent(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("autark-test"))
	require.NoError(t, InitOpenTelemetry("other-name"))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))

	// shutdown without an active provider is a no-op
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestStartSpanPropagatesTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("autark-test"))
	defer ShutdownOpenTelemetry(context.Background())

	ctx, span := StartSpan(context.Background(), "engine", "task.run")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))

	// an existing trace id is kept
	ctx2, span2 := StartSpan(ctx, "engine", "task.round")
	defer span2.End()
	assert.Equal(t, GetTraceID(ctx), GetTraceID(ctx2))
}

func TestStartSpanNilContext(t *testing.T) {
	var missing context.Context
	ctx, span := StartSpan(missing, "engine", "task.run")
	defer span.End()
	assert.NotNil(t, ctx)
}
