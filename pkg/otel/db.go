package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ExecuteWithSpan wraps a Mongo operation against collection with a DB span.
// fn does the actual driver call and returns only an error, matching the
// Call History Store's insert/find-one operations.
func ExecuteWithSpan(ctx context.Context, collection, operation string, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	spanName := fmt.Sprintf("mongo.%s", operation)
	spanCtx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemKey.String("mongodb"),
			semconv.DBOperationKey.String(operation),
			attribute.String("db.collection", collection),
		),
	)
	defer span.End()

	err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("db.error", true))
	}

	_ = spanCtx
	return err
}

// ExecuteFindOne wraps a FindOne query with a DB span.
func ExecuteFindOne(ctx context.Context, collection string, fn func() error) error {
	return ExecuteWithSpan(ctx, collection, "find_one", fn)
}

// ExecuteInsert wraps an InsertOne with a DB span.
func ExecuteInsert(ctx context.Context, collection string, fn func() error) error {
	return ExecuteWithSpan(ctx, collection, "insert", fn)
}
