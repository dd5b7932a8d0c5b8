package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "outbound-dispatcher",
		TracingURL:  "localhost:4318",
		SampleRatio: 1,
	}

	shutdown, err := Init(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	defer shutdown()

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.NotNil(t, otel.GetTextMapPropagator())
}

func TestInit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Observability
	}{
		{name: "empty tracing url", cfg: config.Observability{ServiceName: "outbound-dispatcher"}},
		{name: "empty service name", cfg: config.Observability{TracingURL: "localhost:4318"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Init(context.Background(), tt.cfg, nil)
			assert.Error(t, err)
			assert.Nil(t, shutdown)
		})
	}
}

func TestInit_SpansAreSampledAtRatio(t *testing.T) {
	shutdown, err := Init(context.Background(), config.Observability{
		ServiceName: "outbound-dispatcher",
		TracingURL:  "localhost:4318",
		SampleRatio: 0,
	}, nil)
	require.NoError(t, err)
	defer shutdown()

	_, span := otel.Tracer("test").Start(context.Background(), "DispatchMessage")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}
