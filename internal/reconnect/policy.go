package reconnect

import (
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts bounds automatic reconnects per disconnect cycle.
	DefaultMaxAttempts = 5
	// DefaultBaseDelay is multiplied by the attempt number to get the wait.
	DefaultBaseDelay = 5 * time.Second
)

// Cause classifies why a reconnect is being considered.
type Cause string

const (
	// CauseTransient covers network loss, process death, and start failures.
	CauseTransient Cause = "transient"
	// CauseFatal covers losses that another start cannot fix, such as a logout.
	CauseFatal Cause = "fatal"
)

var fatalReasons = map[string]struct{}{
	"logout":   {},
	"unpaired": {},
	"banned":   {},
}

// Classify maps a client disconnect reason to a Cause.
func Classify(reason string) Cause {
	if _, ok := fatalReasons[strings.ToLower(strings.TrimSpace(reason))]; ok {
		return CauseFatal
	}
	return CauseTransient
}

// Policy is the pure retry decision for one session.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Decision is the outcome of Policy.Next.
type Decision struct {
	Retry       bool
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy returns the standard five-attempt linear policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Next decides what to do given the attempts already made in this cycle.
// A give-up decision reports the attempts made so far in Attempt.
func (p Policy) Next(attempt int, cause Cause) Decision {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	if cause == CauseFatal || attempt >= p.MaxAttempts {
		return Decision{Retry: false, Attempt: attempt, MaxAttempts: p.MaxAttempts}
	}
	next := attempt + 1
	return Decision{
		Retry:       true,
		Attempt:     next,
		MaxAttempts: p.MaxAttempts,
		Delay:       p.BaseDelay * time.Duration(next),
	}
}

// State is the per-session reconnect bookkeeping. It is not safe for
// concurrent use; the owning session serializes access.
type State struct {
	Attempt        int
	InProgress     bool
	ScheduledDelay time.Duration
}

// Begin applies a retry decision. It reports false when an attempt is already
// in progress, which suppresses a concurrent second reconnect.
func (s *State) Begin(decision Decision) bool {
	if s.InProgress || !decision.Retry {
		return false
	}
	s.Attempt = decision.Attempt
	s.InProgress = true
	s.ScheduledDelay = decision.Delay
	return true
}

// Finish marks the current attempt as no longer running, keeping the counter.
func (s *State) Finish() {
	s.InProgress = false
	s.ScheduledDelay = 0
}

// Reset clears the cycle, as after ready, give-up, or a manual abort.
func (s *State) Reset() {
	*s = State{}
}
