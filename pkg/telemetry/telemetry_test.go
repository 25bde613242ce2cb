package telemetry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/matrix-org/callflow/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The global tracer delegates to the first provider installed, so all the
// tests share one in-memory exporter and reset it between runs.
var (
	exporterOnce   sync.Once
	sharedExporter *tracetest.InMemoryExporter
)

func testExporter(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporterOnce.Do(func() {
		sharedExporter = tracetest.NewInMemoryExporter()
		otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSyncer(sharedExporter)))
	})

	sharedExporter.Reset()
	return sharedExporter
}

func TestTelemetry_SpanCarriesEvents(t *testing.T) {
	exporter := testExporter(t)

	span := telemetry.NewTelemetry(context.Background(), "call", attribute.String("call_id", "C1"))
	span.AddEvent("media connected")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "call", spans[0].Name)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "media connected", spans[0].Events[0].Name)
}

func TestTelemetry_FailMarksSpanAsErrored(t *testing.T) {
	exporter := testExporter(t)

	span := telemetry.NewTelemetry(context.Background(), "call")
	span.Fail(errors.New("media did not connect in time"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "media did not connect in time", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1, "Fail records the error on the span")
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}
