// Package clienttest provides a scripted in-memory client.Client for tests.
package clienttest

import (
	"context"
	"errors"
	"sync"

	"github.com/ship-commander/wamux/internal/client"
)

// Fake is a scripted client. Tests drive its lifecycle with Emit.
type Fake struct {
	SessionID string

	mu        sync.Mutex
	listener  client.Listener
	started   bool
	destroyed bool
	sent      []SentMessage
	pairCalls []string

	// StartErr, when set, is returned by Start.
	StartErr error
	// SendErr, when set, is returned by SendMessage and SendImage.
	SendErr error
	// Account is returned by Info.
	Account client.AccountHandle
	// PairingFunc answers RequestPairingCode. Nil blocks until ctx ends.
	PairingFunc func(ctx context.Context, phone string) (string, error)
	// OnStart runs after a successful Start, outside the fake's lock.
	OnStart func(f *Fake)
	// ContactList and ChatList answer the query surface.
	ContactList []client.Contact
	ChatList    []client.Chat
}

// SentMessage records one SendMessage or SendImage call.
type SentMessage struct {
	To        string
	Body      string
	ImageURL  string
	AsSticker bool
}

// Start marks the fake started.
func (f *Fake) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.StartErr != nil {
		err := f.StartErr
		f.mu.Unlock()
		return err
	}
	f.started = true
	onStart := f.OnStart
	f.mu.Unlock()

	if onStart != nil {
		onStart(f)
	}
	return nil
}

// Destroy marks the fake destroyed. It never emits events.
func (f *Fake) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

// SendMessage records a text message.
func (f *Fake) SendMessage(_ context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, SentMessage{To: to, Body: body})
	return nil
}

// SendImage records an image message.
func (f *Fake) SendImage(_ context.Context, to, url string, opts client.ImageOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, SentMessage{To: to, Body: opts.Caption, ImageURL: url, AsSticker: opts.AsSticker})
	return nil
}

// Info returns Account.
func (f *Fake) Info(context.Context) (client.AccountHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Account.ID == "" {
		return client.AccountHandle{}, errors.New("no account")
	}
	return f.Account, nil
}

// RequestPairingCode delegates to PairingFunc.
func (f *Fake) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	f.pairCalls = append(f.pairCalls, phone)
	fn := f.PairingFunc
	f.mu.Unlock()

	if fn == nil {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fn(ctx, phone)
}

// Contacts returns ContactList.
func (f *Fake) Contacts(context.Context) ([]client.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Contact(nil), f.ContactList...), nil
}

// Chats returns ChatList.
func (f *Fake) Chats(context.Context) ([]client.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Chat(nil), f.ChatList...), nil
}

// Emit delivers an event to the session listener, as the real process would.
func (f *Fake) Emit(event client.Event) {
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(event)
	}
}

// EmitQR delivers a raw scannable code.
func (f *Fake) EmitQR(raw string) {
	f.Emit(client.Event{Type: client.EventQR, QR: raw})
}

// EmitReady delivers authenticated followed by ready.
func (f *Fake) EmitReady() {
	f.Emit(client.Event{Type: client.EventAuthenticated})
	f.mu.Lock()
	account := f.Account
	f.mu.Unlock()
	f.Emit(client.Event{Type: client.EventReady, Account: &account})
}

// EmitDisconnected delivers an unexpected disconnect.
func (f *Fake) EmitDisconnected(reason string) {
	f.Emit(client.Event{Type: client.EventDisconnected, Reason: reason})
}

// EmitMessage delivers an inbound message.
func (f *Fake) EmitMessage(msg client.Message) {
	f.Emit(client.Event{Type: client.EventMessage, Message: &msg})
}

// Started reports whether Start succeeded.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Sent returns recorded outbound messages.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// PairingCalls returns the phone numbers passed to RequestPairingCode.
func (f *Fake) PairingCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pairCalls...)
}

// Factory builds Fakes and remembers each one.
type Factory struct {
	mu    sync.Mutex
	fakes []*Fake

	// Configure, when set, tunes each new Fake before it is returned.
	Configure func(n int, f *Fake)
	// NewErr, when set, fails construction.
	NewErr error
}

// New implements client.Factory.
func (fa *Factory) New(sessionID string, listener client.Listener) (client.Client, error) {
	fa.mu.Lock()
	if fa.NewErr != nil {
		err := fa.NewErr
		fa.mu.Unlock()
		return nil, err
	}
	f := &Fake{
		SessionID: sessionID,
		listener:  listener,
		Account:   client.AccountHandle{ID: "201000000000@c.us", Number: "201000000000", Name: "Test"},
	}
	n := len(fa.fakes)
	fa.fakes = append(fa.fakes, f)
	configure := fa.Configure
	fa.mu.Unlock()

	if configure != nil {
		configure(n, f)
	}
	return f, nil
}

// Count returns how many clients were built.
func (fa *Factory) Count() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.fakes)
}

// Last returns the most recently built Fake, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.fakes) == 0 {
		return nil
	}
	return fa.fakes[len(fa.fakes)-1]
}

// All returns every Fake built so far.
func (fa *Factory) All() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.fakes...)
}

var _ client.Client = (*Fake)(nil)
var _ client.Factory = (*Factory)(nil)
