package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/wamux/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is one lifecycle state of a session.
type Phase string

const (
	// PhaseIdle has no client process.
	PhaseIdle Phase = "idle"
	// PhaseAuthenticating has a client process that is not ready yet.
	PhaseAuthenticating Phase = "authenticating"
	// PhaseReady is connected and authenticated.
	PhaseReady Phase = "ready"
	// PhaseDisconnected lost its client process unexpectedly.
	PhaseDisconnected Phase = "disconnected"
	// PhaseReconnecting is waiting for or running a policy-driven retry.
	PhaseReconnecting Phase = "reconnecting"
	// PhaseFailed exhausted its reconnect budget.
	PhaseFailed Phase = "failed"
)

const defaultHistoryLimit = 64

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseAuthenticating: {},
	},
	PhaseAuthenticating: {
		PhaseReady:        {},
		PhaseDisconnected: {},
		PhaseReconnecting: {},
		PhaseIdle:         {},
	},
	PhaseReady: {
		PhaseDisconnected: {},
		PhaseIdle:         {},
	},
	PhaseDisconnected: {
		PhaseReconnecting: {},
		PhaseFailed:       {},
		PhaseIdle:         {},
	},
	PhaseReconnecting: {
		PhaseAuthenticating: {},
		PhaseFailed:         {},
		PhaseIdle:           {},
	},
	PhaseFailed: {
		PhaseAuthenticating: {},
		PhaseIdle:           {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithHistoryLimit caps how many transitions History keeps.
func WithHistoryLimit(limit int) Option {
	return func(machine *Machine) {
		if limit > 0 {
			machine.historyLimit = limit
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromPhase Phase
	ToPhase   Phase
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromPhase Phase
	ToPhase   Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: illegal transition for session lifecycle",
		e.SessionID,
		e.FromPhase,
		e.ToPhase,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks and validates the phase of one session. It is not safe for
// concurrent use; the owning session serializes calls.
type Machine struct {
	sessionID    string
	current      Phase
	tracer       trace.Tracer
	now          func() time.Time
	history      []TransitionRecord
	historyLimit int
}

// NewMachine builds a phase machine starting in PhaseIdle.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID:    sessionID,
		current:      PhaseIdle,
		tracer:       otel.Tracer("wamux/state"),
		now:          time.Now,
		historyLimit: defaultHistoryLimit,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	if m == nil {
		return PhaseIdle
	}
	return m.current
}

// Transition moves the machine to phase to. Moving to the current phase is a
// no-op. An illegal move leaves the phase unchanged and returns
// *IllegalTransitionError.
func (m *Machine) Transition(ctx context.Context, to Phase, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	from := m.current
	if from == to {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)

	if !IsAllowed(from, to) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			m.sessionID,
			string(from),
			string(to),
			false,
		)
		err := &IllegalTransitionError{SessionID: m.sessionID, FromPhase: from, ToPhase: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.current = to
	m.history = append(m.history, TransitionRecord{
		SessionID: m.sessionID,
		FromPhase: from,
		ToPhase:   to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: m.now().UTC(),
	})
	if overflow := len(m.history) - m.historyLimit; overflow > 0 {
		m.history = append([]TransitionRecord(nil), m.history[overflow:]...)
	}
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

// History returns the most recent transition records.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsAllowed reports whether the phase table permits from -> to.
func IsAllowed(from, to Phase) bool {
	nextPhases, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = nextPhases[to]
	return ok
}
