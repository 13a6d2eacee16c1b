package session

import (
	"context"
	"fmt"

	"github.com/ship-commander/wamux/internal/authcode"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/state"
)

// handleClientEvent applies one client event. Events from a client that has
// since been replaced are dropped.
func (s *Session) handleClientEvent(gen uint64, event client.Event) {
	if event.Type == client.EventReady && event.Account == nil {
		go s.resolveIdentity(gen)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.client == nil {
		s.logger.Debug("ignoring event from replaced client", "event", event.Type)
		return
	}

	switch event.Type {
	case client.EventQR:
		s.onQRLocked(event.QR)
	case client.EventAuthenticated:
		s.onAuthenticatedLocked()
	case client.EventReady:
		s.onReadyLocked(*event.Account)
	case client.EventAuthFailure:
		s.onAuthFailureLocked(event.Reason)
	case client.EventDisconnected:
		s.onDisconnectedLocked(event.Reason)
	case client.EventMessage:
		if event.Message != nil {
			s.onMessageLocked(*event.Message)
		}
	default:
		s.logger.Debug("unknown client event", "event", event.Type)
	}
}

// resolveIdentity completes a ready event that arrived without an account.
func (s *Session) resolveIdentity(gen uint64) {
	s.mu.Lock()
	c := s.client
	current := s.generation
	s.mu.Unlock()
	if c == nil || current != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), infoTimeout)
	defer cancel()
	account, err := c.Info(ctx)
	if err != nil {
		s.logger.Warn("fetch account info on ready", "err", err)
	}
	s.handleClientEvent(gen, client.Event{Type: client.EventReady, Account: &account})
}

func (s *Session) onQRLocked(raw string) {
	if s.pairingMode {
		// The first QR confirms the transport is attached; pairing mode never
		// surfaces scannable codes.
		if s.pairing != nil {
			s.pairing.MarkAttached()
		}
		return
	}
	if s.status.Ready {
		return
	}
	code, err := authcode.RenderQR(raw)
	if err != nil {
		s.logger.Warn("render auth code", "err", err)
		return
	}
	s.status.AuthCode = &code
	s.transitionLocked(state.PhaseAuthenticating, "auth code issued")
	s.emitLocked(events.TypeAuthCode, events.CodePayload{SessionID: s.id, Code: code.Value})
	s.emitStatusLocked()
}

func (s *Session) onAuthenticatedLocked() {
	s.status.Connected = true
	s.status.AuthCode = nil
	s.emitStatusLocked()
}

func (s *Session) onReadyLocked(account client.AccountHandle) {
	now := s.now()
	s.status.Connected = true
	s.status.Ready = true
	s.status.AuthCode = nil
	s.status.Reconnecting = false
	s.identityFromReady = true
	if account.ID != "" || account.Number != "" {
		s.status.ConnectedIdentity = &account
	} else {
		s.status.ConnectedIdentity = nil
	}
	s.stats = Stats{StartedAt: &now}
	s.reconnect.Reset()
	s.retryAfterAttempt = false
	s.hadBeenReady = true
	s.pairingMode = false
	if s.pairing != nil {
		s.pairing.Resolve("", ErrAlreadyReady)
		s.pairing = nil
	}

	s.transitionLocked(state.PhaseReady, "client ready")
	s.emitStatusLocked()
	s.emitLocked(events.TypeReady, events.ReadyPayload{SessionID: s.id})
	s.logger.Info("session ready", "account", account.Number)
}

// onAuthFailureLocked returns the session to idle. Bad credentials are not
// retried automatically.
func (s *Session) onAuthFailureLocked(reason string) {
	c := s.detachClientLocked()
	if s.pairing != nil {
		s.pairing.Resolve("", fmt.Errorf("authentication failed: %s", reason))
		s.pairing = nil
	}
	s.pairingMode = false
	s.clearConnectionLocked()
	s.status.Reconnecting = false
	s.cancelReconnectLocked()
	s.hadBeenReady = false

	s.transitionLocked(state.PhaseIdle, reasonAuthFail)
	s.emitStatusLocked()
	s.emitLocked(events.TypeDisconnected, events.DisconnectedPayload{SessionID: s.id, Reason: reasonAuthFail})
	s.logger.Warn("authentication failed", "reason", reason)
	go s.destroyQuietly(c)
}

func (s *Session) onDisconnectedLocked(reason string) {
	// A drop in the middle of authentication is not retried: the user is
	// mid-flow and a fresh process would issue a new code under them.
	midAuth := s.pairingMode || s.status.AuthCode != nil
	eligible := s.hadBeenReady || s.reconnect.Attempt > 0

	c := s.detachClientLocked()
	if s.pairing != nil {
		s.pairing.Resolve("", fmt.Errorf("%w: %s", ErrDisconnected, reason))
		s.pairing = nil
	}
	s.pairingMode = false
	s.clearConnectionLocked()

	s.transitionLocked(state.PhaseDisconnected, reason)
	s.emitStatusLocked()
	s.emitLocked(events.TypeDisconnected, events.DisconnectedPayload{SessionID: s.id, Reason: reason})
	s.logger.Warn("client disconnected", "reason", reason)
	go s.destroyQuietly(c)

	if !s.autoReconnect || !eligible || midAuth {
		s.cancelReconnectLocked()
		s.status.Reconnecting = false
		s.hadBeenReady = false
		s.transitionLocked(state.PhaseIdle, "no reconnect")
		return
	}
	if s.reconnect.InProgress {
		// The running attempt notices this and schedules the next one.
		s.retryAfterAttempt = true
		return
	}
	s.scheduleReconnectLocked(reconnect.Classify(reason))
}

func (s *Session) onMessageLocked(msg client.Message) {
	if s.stats.StartedAt != nil && !msg.Timestamp.IsZero() {
		cutoff := s.stats.StartedAt.Add(-s.staleWindow)
		if msg.Timestamp.Before(cutoff) {
			s.logger.Debug("dropping stale message", "message_id", msg.ID, "timestamp", msg.Timestamp)
			return
		}
	}

	s.emitLocked(events.TypeMessage, events.MessagePayload{SessionID: s.id, Message: msg})
	if s.handler == nil || msg.FromMe {
		return
	}
	go s.dispatch(s.handler, msg)
}

func (s *Session) dispatch(handler MessageHandler, msg client.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", "message_id", msg.ID, "panic", r)
		}
	}()
	if err := handler.HandleMessage(context.Background(), s, msg); err != nil {
		s.logger.Warn("message handler failed", "message_id", msg.ID, "err", err)
	}
}
