package stream

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultClaimTimeout = 5 * time.Minute
const defaultMaxDeliveries = 5

func addDBStatsToSpan(span trace.Span, statement string, rowCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
