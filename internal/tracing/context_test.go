package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAgentID(ctx, "agent-a")
	ctx = WithSessionKey(ctx, "tg:42")
	ctx = WithWorkItemID(ctx, "wi-1")
	ctx = WithDispatchID(ctx, "d-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "agent-a", GetAgentID(ctx))
	assert.Equal(t, "tg:42", GetSessionKey(ctx))
	assert.Equal(t, "wi-1", GetWorkItemID(ctx))
	assert.Equal(t, "d-1", GetDispatchID(ctx))
}

func TestContextEmptyValues(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetAgentID(ctx))
	assert.Empty(t, GetSessionKey(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	ctx = WithSessionKey(ctx, "slack:C1")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("annotated")

	out := buf.String()
	assert.Contains(t, out, "trace-xyz")
	assert.Contains(t, out, "slack:C1")
}
