package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
	// WorkItemIDKey is the context key for the work item being dispatched
	WorkItemIDKey ContextKey = "work_item_id"
	// DispatchIDKey is the context key for the queue dispatch ID
	DispatchIDKey ContextKey = "dispatch_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithWorkItemID adds a work item ID to the context
func WithWorkItemID(ctx context.Context, workItemID string) context.Context {
	return context.WithValue(ctx, WorkItemIDKey, workItemID)
}

// WithDispatchID adds a dispatch ID to the context
func WithDispatchID(ctx context.Context, dispatchID string) context.Context {
	return context.WithValue(ctx, DispatchIDKey, dispatchID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetWorkItemID retrieves the work item ID from the context
func GetWorkItemID(ctx context.Context) string {
	if id, ok := ctx.Value(WorkItemIDKey).(string); ok {
		return id
	}
	return ""
}

// GetDispatchID retrieves the dispatch ID from the context
func GetDispatchID(ctx context.Context) string {
	if id, ok := ctx.Value(DispatchIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestContext creates a new context for an inbound request with a
// fresh trace ID.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext returns a child logger annotated with whatever
// tracing identifiers are present on the context.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if v := GetTraceID(ctx); v != "" {
		lc = lc.Str("trace_id", v)
	}
	if v := GetAgentID(ctx); v != "" {
		lc = lc.Str("agent_id", v)
	}
	if v := GetSessionKey(ctx); v != "" {
		lc = lc.Str("session_key", v)
	}
	if v := GetWorkItemID(ctx); v != "" {
		lc = lc.Str("work_item_id", v)
	}
	if v := GetDispatchID(ctx); v != "" {
		lc = lc.Str("dispatch_id", v)
	}
	return lc.Logger()
}
