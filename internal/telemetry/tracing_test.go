package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "backup-test"}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "phase.download")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "phase.download", ended[0].Name())
	require.Equal(t, InstrumentationName, ended[0].InstrumentationScope().Name)

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "backup-test", service)
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}
