package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey       contextKey = "logger"
	deploymentIDKey contextKey = "deployment_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithDeploymentID tags the context with the deployment being worked on. Records
// logged through a TraceHandler with this context carry a deployment_id attribute.
func WithDeploymentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deploymentIDKey, id)
}

// DeploymentIDFromContext returns the deployment id stored in ctx, or "".
func DeploymentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deploymentIDKey).(string); ok {
		return id
	}
	return ""
}
