package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ship-commander/wamux/internal/authcode"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestPairingCode replaces any existing client with a fresh one in pairing
// mode and returns the numeric code for accountHint. The client stays alive
// after the code is returned so the user can enter it on the phone.
func (s *Session) RequestPairingCode(ctx context.Context, accountHint string) (string, error) {
	phone := authcode.NormalizeAccountHint(accountHint)
	if phone == "" {
		return "", ErrInvalidAccountHint
	}

	ctx, span := s.tracer.Start(ctx, "session.pairing", trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.pairingTimeout)
	defer cancel()

	s.mu.Lock()
	if s.status.Ready {
		s.mu.Unlock()
		return "", ErrAlreadyReady
	}
	if s.pairing != nil {
		s.mu.Unlock()
		return "", ErrPairingInProgress
	}

	s.cancelReconnectLocked()
	old := s.detachClientLocked()
	s.clearConnectionLocked()
	s.status.Reconnecting = false
	s.hadBeenReady = false
	pending := authcode.NewPending()
	s.pairing = pending
	s.pairingMode = true

	c, gen, err := s.attachClientLocked()
	if err != nil {
		s.pairing = nil
		s.pairingMode = false
		s.transitionLocked(state.PhaseIdle, "client construction failed")
		s.emitStatusLocked()
		s.mu.Unlock()
		s.destroyQuietly(old)
		return "", fmt.Errorf("create client for session %s: %w", s.id, err)
	}
	s.transitionLocked(state.PhaseAuthenticating, "pairing requested")
	s.emitStatusLocked()
	s.mu.Unlock()

	s.destroyQuietly(old)
	go s.drivePairing(ctx, c, gen, pending, phone)

	code, err := pending.Wait(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.abandonPairing(gen, pending)
		return "", err
	}
	span.SetStatus(codes.Ok, "pairing code issued")
	return code, nil
}

func (s *Session) drivePairing(ctx context.Context, c client.Client, gen uint64, pending *authcode.Pending, phone string) {
	if err := s.startClient(ctx, c); err != nil {
		pending.Resolve("", pairingFailure(ctx, fmt.Errorf("start client for pairing: %w", err)))
		return
	}

	code, err := authcode.RequestWithRetry(ctx, pending, func(ctx context.Context) (string, error) {
		return c.RequestPairingCode(ctx, phone)
	}, authcode.RetryOptions{
		Attempts: s.pairingAttempts,
		Delay:    s.pairingRetryDelay,
		OnRetry: func(err error, wait time.Duration) {
			s.logger.Warn("pairing code request failed, retrying", "err", err, "wait", wait)
		},
	})
	if err != nil {
		pending.Resolve("", pairingFailure(ctx, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.pairing != pending || !pending.Resolve(code, nil) {
		return
	}
	// The code stays the current auth code until ready or teardown.
	s.pairing = nil
	pairingCode := authcode.PairingCode(code)
	s.status.AuthCode = &pairingCode
	s.emitLocked(events.TypePairingCode, events.CodePayload{SessionID: s.id, Code: code})
	s.emitStatusLocked()
}

// abandonPairing tears down the pairing client after a failed or timed-out
// request, unless it became ready or something else already replaced it.
func (s *Session) abandonPairing(gen uint64, pending *authcode.Pending) {
	s.mu.Lock()
	if s.pairing == pending {
		s.pairing = nil
	}
	if s.generation != gen || s.status.Ready {
		s.mu.Unlock()
		return
	}
	s.pairingMode = false
	c := s.detachClientLocked()
	s.clearConnectionLocked()
	s.transitionLocked(state.PhaseIdle, "pairing failed")
	s.emitStatusLocked()
	s.mu.Unlock()

	s.destroyQuietly(c)
}

// pairingFailure reports a deadline hit by the driver the same way Wait does.
func pairingFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, authcode.ErrPairingTimeout) {
		return fmt.Errorf("%w: %w", authcode.ErrPairingTimeout, err)
	}
	return err
}
