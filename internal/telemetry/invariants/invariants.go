package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantAuthCodeExcludesReady requires a session holding an auth code to not be ready.
	InvariantAuthCodeExcludesReady = "auth_code_excludes_ready"
	// InvariantReadyImpliesConnected requires a ready session to also be connected.
	InvariantReadyImpliesConnected = "ready_implies_connected"
	// InvariantIdentityRequiresReady requires a connected identity to be set only by a ready transition.
	InvariantIdentityRequiresReady = "identity_requires_ready"
	// InvariantReconnectAttemptsWithinLimit requires the reconnect counter to stay within its ceiling.
	InvariantReconnectAttemptsWithinLimit = "reconnect_attempts_within_limit"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow the session phase table.
	InvariantStateTransitionLegal = "state_transition_legal"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span.
// If the context has no active span, a short synthetic span is created.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("wamux/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckAuthCodeExcludesReady validates the auth_code_excludes_ready invariant.
func CheckAuthCodeExcludesReady(ctx context.Context, sessionID string, hasAuthCode, ready bool) bool {
	if !hasAuthCode || !ready {
		return true
	}
	InvariantViolation(ctx, InvariantAuthCodeExcludesReady, SeverityError, ViolationDetails{
		WhatInvariant: "auth code is only held while not ready",
		WhereDetected: "session.status",
		WhyViolated:   "session is ready while still holding an auth code",
		Additional:    map[string]string{"session_id": sessionID},
	})
	return false
}

// CheckReadyImpliesConnected validates the ready_implies_connected invariant.
func CheckReadyImpliesConnected(ctx context.Context, sessionID string, ready, connected bool) bool {
	if !ready || connected {
		return true
	}
	InvariantViolation(ctx, InvariantReadyImpliesConnected, SeverityError, ViolationDetails{
		WhatInvariant: "ready implies connected",
		WhereDetected: "session.status",
		WhyViolated:   "session is ready but not connected",
		Additional:    map[string]string{"session_id": sessionID},
	})
	return false
}

// CheckIdentityRequiresReady validates the identity_requires_ready invariant.
// identitySetWhileReady reports whether the identity was assigned during a ready transition.
func CheckIdentityRequiresReady(ctx context.Context, sessionID string, hasIdentity, identitySetWhileReady bool) bool {
	if !hasIdentity || identitySetWhileReady {
		return true
	}
	InvariantViolation(ctx, InvariantIdentityRequiresReady, SeverityError, ViolationDetails{
		WhatInvariant: "connected identity is only assigned by a ready transition",
		WhereDetected: "session.status",
		WhyViolated:   "connected identity present without a ready transition since the last disconnect",
		Additional:    map[string]string{"session_id": sessionID},
	})
	return false
}

// CheckReconnectAttemptsWithinLimit validates the reconnect_attempts_within_limit invariant.
func CheckReconnectAttemptsWithinLimit(ctx context.Context, sessionID string, attempt, maxAttempts int) bool {
	if attempt <= maxAttempts {
		return true
	}
	InvariantViolation(ctx, InvariantReconnectAttemptsWithinLimit, SeverityError, ViolationDetails{
		WhatInvariant: "reconnect attempts remain within the configured ceiling",
		WhereDetected: "session.reconnect",
		WhyViolated:   fmt.Sprintf("attempt=%d exceeded max_attempts=%d", attempt, maxAttempts),
		Additional: map[string]string{
			"session_id":   sessionID,
			"attempt":      fmt.Sprintf("%d", attempt),
			"max_attempts": fmt.Sprintf("%d", maxAttempts),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	sessionID string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session phase transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", sessionID, fromState, toState),
		Additional: map[string]string{
			"session_id": strings.TrimSpace(sessionID),
			"from_state": strings.TrimSpace(fromState),
			"to_state":   strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	default:
		return SeverityError
	}
}
