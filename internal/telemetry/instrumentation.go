package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metric series, so they must stay bounded: verbs, statuses,
// delivery modes and component names are fine. Module paths, artifact names,
// stream names and deployment ids belong in logs.

const (
	statusSuccess = "success"
	statusError   = "error"
)

// span runs fn inside a span named component.name and reports the outcome and
// duration to done.
func (t *Telemetry) span(
	ctx context.Context,
	component, name string,
	fn func(context.Context) error,
	done func(status string, elapsed time.Duration),
) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	ctx, span := t.tracer.Start(ctx, component+"."+name)
	defer span.End()

	span.SetAttributes(attribute.String("component", component))

	err := fn(ctx)
	elapsed := time.Since(start)

	status := statusSuccess
	if err != nil {
		status = statusError

		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("status", status))
	done(status, elapsed)

	return err
}

// InstrumentDBOperation traces a key-value store call and records it in the
// db_operations metrics.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	return t.span(ctx, "database", operation, fn, func(status string, elapsed time.Duration) {
		t.RecordDBOperation(operation, status, elapsed)
	})
}

// InstrumentModuleCall traces one update module invocation. The call counts as
// active until fn returns.
func (t *Telemetry) InstrumentModuleCall(ctx context.Context, verb string, fn func(context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	t.addActiveModuleCalls(1)
	defer t.addActiveModuleCalls(-1)

	return t.span(ctx, "updatemodule", verb, fn, func(status string, elapsed time.Duration) {
		t.RecordModuleCall(verb, status, elapsed)
	})
}

// InstrumentDeployment traces a standalone install, commit or rollback.
func (t *Telemetry) InstrumentDeployment(ctx context.Context, operation string, fn func(context.Context) error) error {
	return t.span(ctx, "standalone", operation, fn, func(status string, _ time.Duration) {
		t.RecordDeployment(operation, status)
	})
}
