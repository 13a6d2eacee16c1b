package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	// Account numbers and the chat ids built from them.
	phoneNumberPattern = regexp.MustCompile(`\+?\b\d{8,15}\b`)
)

// RPCCallRequest describes one call into a client process.
type RPCCallRequest struct {
	Method    string
	SessionID string
	Pid       int
}

// RPCCall tracks one bridge.call span.
type RPCCall struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

// StartRPCCall starts a bridge.call span.
func StartRPCCall(ctx context.Context, req RPCCallRequest) (context.Context, *RPCCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.method", normalizeOrUnknown(req.Method)),
		attribute.String("session_id", normalizeOrUnknown(req.SessionID)),
	}
	if req.Pid > 0 {
		attrs = append(attrs, attribute.Int("process.pid", req.Pid))
	}
	spanCtx, span := otel.Tracer("wamux/bridge").Start(ctx, "bridge.call", trace.WithAttributes(attrs...))
	return spanCtx, &RPCCall{span: span, startedAt: time.Now()}
}

// End finalizes the span with latency and a redacted error, if any.
func (c *RPCCall) End(err error) {
	if c == nil || c.span == nil {
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	c.span.SetAttributes(attribute.Int64("latency_ms", durationMS))

	if err != nil {
		message := Redact(err.Error())
		c.span.AddEvent("bridge.error", trace.WithAttributes(attribute.String("error_message", message)))
		c.span.SetStatus(codes.Error, message)
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.End()
}

// Redact masks credentials and phone numbers and bounds the length.
func Redact(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = phoneNumberPattern.ReplaceAllString(redacted, "<number>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
