package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

func TestExporterSelection(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		exp, err := newSpanExporter(context.Background(), ExporterStdout)
		require.NoError(t, err)
		assert.IsType(t, &stdouttrace.Exporter{}, exp)
	})
	t.Run("otlp-http", func(t *testing.T) {
		exp, err := newSpanExporter(context.Background(), ExporterOTLPHTTP)
		require.NoError(t, err)
		assert.IsType(t, &otlptrace.Exporter{}, exp)
	})
	t.Run("otlp", func(t *testing.T) {
		exp, err := newSpanExporter(context.Background(), ExporterOTLP)
		require.NoError(t, err)
		assert.IsType(t, &otlptrace.Exporter{}, exp)
	})
	t.Run("unknown", func(t *testing.T) {
		_, err := newSpanExporter(context.Background(), "zipkin")
		assert.Error(t, err)
	})
}

func TestSetupNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), ExporterNone)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), ExporterStdout)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
