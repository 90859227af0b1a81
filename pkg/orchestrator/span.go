package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/groundcrew/groundcrew/pkg/telemetry"
)

// opSpan wraps a session span so operations can record an outcome with
// one call. A nil-span opSpan (no tracer configured) is a no-op.
type opSpan struct {
	span   trace.Span
	failed bool
}

func (o *Orchestrator) startSpan(ctx context.Context, operation, tenantID, sessionID string) (context.Context, *opSpan) {
	if o.tracer == nil {
		return ctx, &opSpan{}
	}
	ctx, span := o.tracer.StartSessionSpan(ctx, operation, tenantID, sessionID)
	return ctx, &opSpan{span: span}
}

// fail records err on the span and returns it unchanged.
func (s *opSpan) fail(err error) error {
	if s.span != nil && err != nil {
		telemetry.RecordError(s.span, err)
		s.failed = true
	}
	return err
}

func (s *opSpan) end() {
	if s.span == nil {
		return
	}
	if !s.failed {
		telemetry.RecordSuccess(s.span)
	}
	s.span.End()
}
