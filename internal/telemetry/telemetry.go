package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "wamux"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is the collector used when nothing else is configured.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout is the batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512

	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

// ServiceVersion is set by the CLI before Init.
var ServiceVersion = "dev"

var (
	exporterFactory = newOTLPExporter

	endpointOverrideMu sync.RWMutex
	endpointOverride   string
)

// Settings configures Init.
type Settings struct {
	// Endpoint is the [otel] endpoint from config. Flag override and the
	// OTEL_EXPORTER_OTLP_ENDPOINT env var take precedence.
	Endpoint string
	// DefaultSessionID and AuthDir are recorded on the resource so traces
	// from several wamux instances can be told apart.
	DefaultSessionID string
	AuthDir          string
	// Logger receives spans when no OTLP exporter can be built.
	Logger *log.Logger
}

// Init installs the global tracer provider and returns its shutdown func.
// An unreachable collector is not an error: spans go to the logger instead.
func Init(ctx context.Context, settings Settings) (func(), error) {
	logger := settings.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("component", "telemetry")

	endpoint := resolveEndpoint(settings.Endpoint)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		logger.Warn("otlp exporter unavailable, logging spans instead", "endpoint", endpoint, "err", err)
		exporter = &logSpanExporter{logger: logger}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", resolveServiceVersion()),
		attribute.String("deployment.environment", resolveEnvironment()),
	}
	if id := strings.TrimSpace(settings.DefaultSessionID); id != "" {
		attrs = append(attrs, attribute.String("wamux.default_session", id))
	}
	if dir := strings.TrimSpace(settings.AuthDir); dir != "" {
		attrs = append(attrs, attribute.String("wamux.auth_dir", dir))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithProcessPID())
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)
	logger.Debug("tracing initialized", "endpoint", endpoint)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

// SetEndpointOverride pins the collector endpoint for this process. The
// --otel-endpoint flag uses it.
func SetEndpointOverride(endpoint string) {
	endpointOverrideMu.Lock()
	defer endpointOverrideMu.Unlock()
	endpointOverride = strings.TrimSpace(endpoint)
}

func resolveEndpoint(configured string) string {
	endpointOverrideMu.RLock()
	endpoint := endpointOverride
	endpointOverrideMu.RUnlock()

	for _, candidate := range []string{endpoint, os.Getenv(envEndpoint), configured} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return withScheme(candidate)
		}
	}
	return DefaultEndpoint
}

// withScheme accepts bare host:port values from config files.
func withScheme(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "http://" + endpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"WAMUX_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv(envCertificate)); certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// logSpanExporter writes finished spans as debug log records.
type logSpanExporter struct {
	logger *log.Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.logger == nil {
		return nil
	}
	for _, span := range spans {
		fields := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status", span.Status().Code.String(),
		}
		for _, attr := range span.Attributes() {
			if attr.Key == "session_id" {
				fields = append(fields, "session_id", attr.Value.AsString())
			}
		}
		if events := span.Events(); len(events) > 0 {
			names := make([]string, 0, len(events))
			for _, event := range events {
				names = append(names, event.Name)
			}
			fields = append(fields, "events", strings.Join(names, ","))
		}
		e.logger.Debug("span", fields...)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func setEndpointOverrideForTest(value string) func() {
	endpointOverrideMu.RLock()
	previous := endpointOverride
	endpointOverrideMu.RUnlock()
	SetEndpointOverride(value)
	return func() {
		SetEndpointOverride(previous)
	}
}
