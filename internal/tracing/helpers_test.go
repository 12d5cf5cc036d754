package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func onlySpan(t *testing.T, rec *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	return spans[0]
}

func attrs(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		table     string
		operation DBOperation
		wantName  string
	}{
		{"venues", DBOperationQuery, "query venues"},
		{"position_samples", DBOperationInsert, "insert position_samples"},
		{"geofence_memberships", DBOperationUpdate, "update geofence_memberships"},
		{"position_samples", DBOperationDelete, "delete position_samples"},
		{"venue_analytics", DBOperationExec, "exec venue_analytics"},
		{"", DBOperationQuery, "query"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			rec := newRecorder(t)
			_, end := StartDBSpan(context.Background(), tt.table, tt.operation)
			end(nil)

			span := onlySpan(t, rec)
			if span.Name() != tt.wantName {
				t.Errorf("name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("kind = %v, want client", span.SpanKind())
			}
			got := attrs(span)
			if got["db.system"] != "postgresql" || got["db.operation"] != string(tt.operation) {
				t.Errorf("attributes = %v", got)
			}
			table, ok := got["db.sql.table"]
			if tt.table == "" && ok {
				t.Errorf("db.sql.table = %q on a span without a table", table)
			}
			if tt.table != "" && table != tt.table {
				t.Errorf("db.sql.table = %q, want %q", table, tt.table)
			}
			if span.Status().Code == codes.Error {
				t.Error("successful span marked as error")
			}
		})
	}
}

func TestFinisher_RecordsError(t *testing.T) {
	rec := newRecorder(t)
	_, end := StartSpan(context.Background(), "geofence.sweep")
	end(errors.New("store unavailable"))

	span := onlySpan(t, rec)
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", span.Status().Code)
	}
	if span.Status().Description != "store unavailable" {
		t.Errorf("description = %q", span.Status().Description)
	}
	if len(span.Events()) == 0 || span.Events()[0].Name != "exception" {
		t.Errorf("error event not recorded: %v", span.Events())
	}
}

func TestStartSpan_Nested(t *testing.T) {
	rec := newRecorder(t)

	ctx, endOuter := StartSpan(context.Background(), "geofence.update_location")
	_, endInner := StartDBSpan(ctx, "geofence_memberships", DBOperationQuery)
	endInner(nil)
	endOuter(nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	inner, outer := spans[0], spans[1]
	if inner.Parent().SpanID() != outer.SpanContext().SpanID() {
		t.Error("db span is not a child of the update span")
	}
	if outer.SpanKind() != trace.SpanKindInternal {
		t.Errorf("outer kind = %v, want internal", outer.SpanKind())
	}
}

func TestEventsAndAttributes(t *testing.T) {
	rec := newRecorder(t)

	ctx, end := StartSpan(context.Background(), "geofence.update_location")
	SetAttributes(ctx, attribute.String("user_id", "user-123"), attribute.Int("memberships", 2))
	AddEvent(ctx, "membership.terminated", attribute.String("region_id", "venue-a"))
	end(nil)

	span := onlySpan(t, rec)
	got := attrs(span)
	if got["user_id"] != "user-123" || got["memberships"] != "2" {
		t.Errorf("attributes = %v", got)
	}
	events := span.Events()
	if len(events) != 1 || events[0].Name != "membership.terminated" {
		t.Fatalf("events = %v", events)
	}
	if v := events[0].Attributes[0].Value.AsString(); v != "venue-a" {
		t.Errorf("event region_id = %q", v)
	}
}

func TestHelpers_NoActiveSpan(t *testing.T) {
	// Must not panic on a context without a span.
	SetAttributes(context.Background(), attribute.Bool("ok", true))
	AddEvent(context.Background(), "noop")
}

func TestStartCacheSpan(t *testing.T) {
	rec := newRecorder(t)
	_, end := StartCacheSpan(context.Background(), "SADD", "venue:v1:users")
	end(errors.New("connection reset"))

	span := onlySpan(t, rec)
	if span.Name() != "cache SADD" {
		t.Errorf("name = %q, want %q", span.Name(), "cache SADD")
	}
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", span.Status().Code)
	}
	got := attrs(span)
	if got["db.system"] != "redis" {
		t.Errorf("db.system = %q", got["db.system"])
	}
	if got["cache.key_pattern"] != "venue:*:users" {
		t.Errorf("cache.key_pattern = %q, want venue:*:users", got["cache.key_pattern"])
	}
}

func TestKeyPattern(t *testing.T) {
	tests := map[string]string{
		"user:42:location":    "user:*:location",
		"user:a:b:location":   "user:*:location",
		"venue:venue-a:users": "venue:*:users",
		"user:42":             "user:42",
		"plain":               "plain",
		"":                    "",
	}
	for key, want := range tests {
		if got := KeyPattern(key); got != want {
			t.Errorf("KeyPattern(%q) = %q, want %q", key, got, want)
		}
	}
}
