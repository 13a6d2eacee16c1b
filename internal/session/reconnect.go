package session

import (
	"context"
	"time"

	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/state"
	"github.com/ship-commander/wamux/internal/telemetry/invariants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scheduleReconnectLocked asks the policy for the next step and either arms
// a timer or gives up with reconnectFailed.
func (s *Session) scheduleReconnectLocked(cause reconnect.Cause) {
	if s.reconnect.InProgress {
		return
	}

	decision := s.policy.Next(s.reconnect.Attempt, cause)
	if !decision.Retry {
		s.reconnect.Reset()
		s.retryAfterAttempt = false
		s.status.Reconnecting = false
		s.hadBeenReady = false
		s.transitionLocked(state.PhaseFailed, string(cause))
		s.emitStatusLocked()
		s.emitLocked(events.TypeReconnectFailed, events.ReconnectFailedPayload{SessionID: s.id, Attempts: decision.Attempt})
		s.logger.Error("reconnect gave up", "attempts", decision.Attempt, "cause", cause)
		return
	}

	if !s.reconnect.Begin(decision) {
		return
	}
	invariants.CheckReconnectAttemptsWithinLimit(context.Background(), s.id, decision.Attempt, decision.MaxAttempts)
	s.status.Reconnecting = true
	s.transitionLocked(state.PhaseReconnecting, "reconnect scheduled")
	s.emitStatusLocked()
	s.emitLocked(events.TypeReconnecting, events.ReconnectingPayload{
		SessionID:   s.id,
		Attempt:     decision.Attempt,
		MaxAttempts: decision.MaxAttempts,
	})
	s.logger.Info("reconnect scheduled", "attempt", decision.Attempt, "max_attempts", decision.MaxAttempts, "delay", decision.Delay)

	ctx, cancel := context.WithCancel(context.Background())
	s.reconnectCancel = cancel
	go s.runReconnect(ctx, decision)
}

// cancelReconnectLocked aborts a pending or running retry and clears the cycle.
func (s *Session) cancelReconnectLocked() {
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	s.reconnect.Reset()
	s.retryAfterAttempt = false
}

func (s *Session) runReconnect(ctx context.Context, decision reconnect.Decision) {
	timer := time.NewTimer(decision.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ctx, span := s.tracer.Start(ctx, "session.reconnect", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("attempt", decision.Attempt),
		attribute.Int("max_attempts", decision.MaxAttempts),
	))
	defer span.End()

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if !s.autoReconnect {
		s.cancelReconnectLocked()
		s.status.Reconnecting = false
		s.transitionLocked(state.PhaseIdle, "auto reconnect disabled")
		s.emitStatusLocked()
		s.mu.Unlock()
		return
	}

	old := s.detachClientLocked()
	c, gen, err := s.attachClientLocked()
	if err == nil {
		s.transitionLocked(state.PhaseAuthenticating, "reconnect attempt")
	}
	s.mu.Unlock()

	s.destroyQuietly(old)
	if err == nil {
		err = s.startClient(ctx, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		// A manual disconnect or explicit initialize took over mid-attempt.
		return
	}
	s.reconnectCancel = nil
	s.reconnect.Finish()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("reconnect attempt failed", "attempt", decision.Attempt, "err", err)
		failed := c
		if s.generation == gen {
			failed = s.detachClientLocked()
		}
		go s.destroyQuietly(failed)
		s.retryAfterAttempt = false
		s.transitionLocked(state.PhaseReconnecting, reasonStartFail)
		s.scheduleReconnectLocked(reconnect.CauseTransient)
		return
	}

	span.SetStatus(codes.Ok, "client restarted")
	if s.retryAfterAttempt {
		// The fresh client dropped before this attempt finished.
		s.retryAfterAttempt = false
		s.scheduleReconnectLocked(reconnect.CauseTransient)
		return
	}
	if s.status.Reconnecting && !s.status.Ready {
		s.status.Reconnecting = false
		s.emitStatusLocked()
	}
}
