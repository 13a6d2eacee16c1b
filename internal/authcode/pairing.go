package authcode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ship-commander/wamux/internal/reconnect"
)

const (
	// DefaultPairingTimeout bounds one pairing request end to end.
	DefaultPairingTimeout = 90 * time.Second
	// DefaultRequestAttempts is how many times the code request is tried.
	DefaultRequestAttempts = 3
	// DefaultRetryDelay is the linear backoff base between code requests.
	DefaultRetryDelay = 2 * time.Second
)

var (
	// ErrPairingTimeout reports a pairing request that was never resolved in time.
	ErrPairingTimeout = errors.New("pairing code request timed out")
	// ErrPairingCanceled reports a pairing request abandoned by a teardown.
	ErrPairingCanceled = errors.New("pairing code request canceled")
)

// Pending is a one-shot pairing resolution. The first Resolve wins; later
// calls are ignored.
type Pending struct {
	once sync.Once
	done chan struct{}
	code string
	err  error

	attachOnce sync.Once
	attached   chan struct{}
}

// NewPending returns an unresolved pairing handshake.
func NewPending() *Pending {
	return &Pending{
		done:     make(chan struct{}),
		attached: make(chan struct{}),
	}
}

// Resolve settles the handshake. It reports whether this call won.
func (p *Pending) Resolve(code string, err error) bool {
	won := false
	p.once.Do(func() {
		p.code = strings.TrimSpace(code)
		p.err = err
		if p.err == nil && p.code == "" {
			p.err = errors.New("pairing code is empty")
		}
		close(p.done)
		won = true
	})
	return won
}

// Done is closed once the handshake is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolution. It is only meaningful after Done is closed.
func (p *Pending) Result() (string, error) {
	select {
	case <-p.done:
		return p.code, p.err
	default:
		return "", errors.New("pairing code request still pending")
	}
}

// MarkAttached records that the client transport is up and the code
// request may fire.
func (p *Pending) MarkAttached() {
	p.attachOnce.Do(func() { close(p.attached) })
}

// Attached is closed once MarkAttached has been called.
func (p *Pending) Attached() <-chan struct{} {
	return p.attached
}

// Wait blocks until the handshake resolves or ctx ends. When ctx ends first
// the handshake is resolved with ErrPairingTimeout, so every waiter sees the
// same outcome.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Resolve("", fmt.Errorf("%w: %w", ErrPairingTimeout, ctx.Err()))
	}
	return p.Result()
}

// RequestFunc asks the client for one pairing code.
type RequestFunc func(ctx context.Context) (string, error)

// RetryOptions tunes RequestWithRetry.
type RetryOptions struct {
	Attempts int
	Delay    time.Duration
	OnRetry  func(err error, wait time.Duration)
}

// RequestWithRetry waits for the transport to attach and then calls request
// up to opts.Attempts times with linear backoff. The upstream handshake is
// flaky right after the transport attaches, hence the retries.
func RequestWithRetry(ctx context.Context, p *Pending, request RequestFunc, opts RetryOptions) (string, error) {
	if p == nil {
		return "", errors.New("pending handshake is required")
	}
	if request == nil {
		return "", errors.New("request function is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultRequestAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultRetryDelay
	}

	select {
	case <-p.Attached():
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		return "", fmt.Errorf("%w: transport never attached", ErrPairingTimeout)
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(reconnect.NewLinear(opts.Delay)),
		backoff.WithMaxTries(uint(opts.Attempts)),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
	}

	code, err := backoff.Retry(ctx, func() (string, error) {
		select {
		case <-p.Done():
			return "", backoff.Permanent(ErrPairingCanceled)
		default:
		}
		code, err := request(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(code) == "" {
			return "", errors.New("client returned an empty pairing code")
		}
		return code, nil
	}, retryOpts...)
	if err != nil {
		return "", fmt.Errorf("request pairing code after %d attempts: %w", opts.Attempts, err)
	}
	return strings.TrimSpace(code), nil
}
