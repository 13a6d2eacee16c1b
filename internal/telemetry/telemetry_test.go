package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesConfiguredEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("WAMUX_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{
		Endpoint:         "http://ignored:4318",
		DefaultSessionID: "default",
		AuthDir:          "/var/lib/wamux/auth",
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "deployment.environment", "prod")
	assertResourceAttribute(t, attrs, "wamux.default_session", "default")
	assertResourceAttribute(t, attrs, "wamux.auth_dir", "/var/lib/wamux/auth")
}

func TestInitUsesDefaultEndpointWhenUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", capturedEndpoint, DefaultEndpoint)
	}
}

func TestEndpointPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if got := resolveEndpoint("collector:4318"); got != "http://collector:4318" {
		t.Fatalf("config endpoint = %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://env:4318")
	if got := resolveEndpoint("collector:4318"); got != "https://env:4318" {
		t.Fatalf("env endpoint = %q", got)
	}

	restore := setEndpointOverrideForTest("http://flag:4318")
	defer restore()
	if got := resolveEndpoint("collector:4318"); got != "http://flag:4318" {
		t.Fatalf("override endpoint = %q", got)
	}
}

func TestInitFallsBackWhenExporterUnavailable(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	logger := log.NewWithOptions(&out, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})
	shutdown, err := Init(context.Background(), Settings{Logger: logger})
	if err != nil {
		t.Fatalf("init should fall back to the log exporter: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.initialize")
	span.End()
	shutdown()

	if !strings.Contains(out.String(), "dial failed") {
		t.Fatalf("expected fallback warning, got %q", out.String())
	}
	if !strings.Contains(out.String(), "session.initialize") {
		t.Fatalf("expected span to be logged, got %q", out.String())
	}
}

func TestLogExporterWritesSpansAndEvents(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "session.reconnect",
		trace.WithAttributes(attribute.String("session_id", "sales")))
	span.AddEvent("invariant.violation")
	span.AddEvent("retry")
	span.End()

	var out bytes.Buffer
	exporter := &logSpanExporter{logger: log.NewWithOptions(&out, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})}
	if err := exporter.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"session.reconnect", "sales", "invariant.violation,retry"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %s: %q", want, out.String())
		}
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("WAMUX_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "dev")

	if got := resolveEnvironment(); got != "dev" {
		t.Fatalf("environment = %q, want dev", got)
	}
}
