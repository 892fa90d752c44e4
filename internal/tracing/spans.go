package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for orchestrator tracing.
const (
	AttrWorkerID      = "worker.id"
	AttrWorkerName    = "worker.name"
	AttrWorkerStatus  = "worker.status"
	AttrWorktreePath  = "worktree.path"
	AttrBranch        = "vcs.branch"
	AttrBaseBranch    = "vcs.base_branch"
	AttrReason        = "terminate.reason"
	AttrMessageID     = "message.id"
	AttrMessageTarget = "message.target"
	AttrConsolidation = "consolidation.id"
	AttrFileCount     = "consolidation.files"
	AttrConflictCount = "consolidation.conflicts"
	AttrErrorMessage  = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixWorker        = "worker."
	SpanPrefixBus           = "bus."
	SpanPrefixConsolidation = "consolidation."
	SpanPrefixHTTP          = "http."
)

// StartSpan opens a named internal span with attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records the outcome and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
