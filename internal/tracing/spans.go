package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scopes for spans started here.
const (
	ScopeName   = "github.com/onnwee/footfall"
	DBScopeName = ScopeName + "/db"
)

// Tables written and read by the Postgres event store.
const (
	TableCountries = "countries"
	TableUsers     = "users"
	TableEvents    = "events"
)

// DBOperation is the db.operation attribute of a store span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
)

var dbSystem = attribute.String("db.system", "postgresql")

// EndFunc ends a span. A non-nil error is recorded and marks the span failed.
type EndFunc func(err error)

// StartSpan starts an internal span for a service operation such as
// "activity.record_event".
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(ScopeName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// StartDBSpan starts a client span named "<operation> <table>" for one store
// call.
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(DBScopeName).Start(ctx, string(op)+" "+table,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			dbSystem,
			attribute.String("db.operation", string(op)),
			attribute.String("db.sql.table", table),
		))
	return ctx, ender(span)
}

// SetAttributes annotates the span carried by ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func ender(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
