package tracing

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TaskIDKey is the context key for the task being executed
	TaskIDKey ContextKey = "task_id"
	// WorkerIDKey is the context key for the executing worker
	WorkerIDKey ContextKey = "worker_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithWorkerID adds a worker ID to the context
func WithWorkerID(ctx context.Context, workerID int) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok {
		return taskID
	}
	return ""
}

// GetWorkerID retrieves the worker ID from the context; -1 when absent
func GetWorkerID(ctx context.Context) int {
	if workerID, ok := ctx.Value(WorkerIDKey).(int); ok {
		return workerID
	}
	return -1
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext creates a logger carrying the tracing fields present
// in the context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if taskID := GetTaskID(ctx); taskID != "" {
		baseLogger = baseLogger.With().Str("task_id", taskID).Logger()
	}
	if workerID := GetWorkerID(ctx); workerID >= 0 {
		baseLogger = baseLogger.With().Str("worker_id", strconv.Itoa(workerID)).Logger()
	}
	return baseLogger
}
