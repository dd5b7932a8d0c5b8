package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultRecentLimit bounds RecentDeadLetters when the caller passes no limit.
const defaultRecentLimit = 10

func addDBStatsToSpan(span trace.Span, system, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows_affected", rowsCount),
		attribute.String("db.system", system),
		attribute.String("db.operation", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Microseconds())/1000),
	)
}

func openEnded(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
