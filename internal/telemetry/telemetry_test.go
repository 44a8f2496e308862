package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, shutdown(ctx), "noop shutdown ignores cancelled context")
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// Non-routable address so no export happens.
	shutdown, err := Setup(context.Background(), "http://192.0.2.1:4318")
	require.NoError(t, err)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSpansReachInstalledProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "op", rec.Ended()[0].Name())
}
