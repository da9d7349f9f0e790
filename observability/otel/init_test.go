package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,tenant=offers")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "offers"}, headers)
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("offersd", "dev")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.True(t, cfg.Insecure)
}

func TestFromEnvReadsExporterSettings(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-token=1")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := FromEnv("offersd", "prod")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.True(t, cfg.Traces)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.Equal(t, "1", cfg.Headers["x-token"])
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "offersd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestFromEnvAcceptsURLEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel.example.com:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")
	cfg := FromEnv("offersd", "prod")
	require.Equal(t, "otel.example.com:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.True(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.Equal(t, 5*time.Second, cfg.MetricInterval)
}

func TestSamplerRatioBounds(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
