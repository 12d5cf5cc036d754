package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "venuefence"
	dbTracerName    = "venuefence/db"
	cacheTracerName = "venuefence/cache"
)

// DBOperation labels a database span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// finisher ends span, recording err when non-nil. Callers use it with a
// named error return:
//
//	ctx, end := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
//	defer func() { end(err) }()
func finisher(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartDBSpan starts a client span named "<operation> <table>".
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(dbTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, finisher(span)
}

// StartSpan starts an internal span, e.g. "geofence.update_location".
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, finisher(span)
}

func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// StartCacheSpan starts a client span for a Redis command. Only the key
// pattern is recorded: "user:42:location" becomes "user:*:location".
func StartCacheSpan(ctx context.Context, command, key string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", command),
			attribute.String("cache.key_pattern", KeyPattern(key)),
		),
	)
	return ctx, finisher(span)
}

// KeyPattern masks the identifier segment of a "kind:id:field" cache key.
// Keys of any other shape are returned unchanged.
func KeyPattern(key string) string {
	first := strings.IndexByte(key, ':')
	last := strings.LastIndexByte(key, ':')
	if first < 0 || first == last {
		return key
	}
	return key[:first+1] + "*" + key[last:]
}
