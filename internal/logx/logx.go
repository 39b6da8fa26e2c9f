package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const (
	resourceKey contextKey = iota
	runKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithResource annotates the context logger with the resource name if present.
func WithResource(ctx context.Context, resource string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if resource != "" {
		if current, ok := ctx.Value(resourceKey).(string); ok && current == resource {
			return log
		}
		log = log.With("resource", resource)
	}
	return log
}

// WithTask annotates the logger with task and resource identifiers.
func WithTask(log pslog.Logger, task, resource string) pslog.Logger {
	if task != "" {
		log = log.With("task", task)
	}
	if resource != "" {
		log = log.With("resource", resource)
	}
	return log
}

// WithRun annotates the logger with a run id when available.
func WithRun(log pslog.Logger, runID string) pslog.Logger {
	if runID != "" {
		log = log.With("run", runID)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithResource stores the resource marker on the context for log de-duplication.
func ContextWithResource(ctx context.Context, resource string) context.Context {
	if ctx == nil || resource == "" {
		return ctx
	}
	return context.WithValue(ctx, resourceKey, resource)
}

// ContextWithRun stores the run marker on the context.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// RunFromContext returns the run id stored by ContextWithRun.
func RunFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	runID, _ := ctx.Value(runKey).(string)
	return runID
}
