// Package client defines the capability a session uses to drive one
// external web-client process. Concrete drivers live elsewhere (see
// internal/bridge); the session core never assumes how the process is
// automated.
package client

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names a lifecycle notification raised by a client process.
type EventType string

const (
	// EventQR carries a fresh raw scannable code. The first one also confirms
	// the client's transport is attached.
	EventQR EventType = "qr"
	// EventAuthenticated reports accepted credentials, before ready.
	EventAuthenticated EventType = "authenticated"
	// EventAuthFailure reports rejected credentials or a failed handshake.
	EventAuthFailure EventType = "auth_failure"
	// EventReady reports the client can send and receive messages.
	EventReady EventType = "ready"
	// EventDisconnected reports the client lost its connection or died.
	EventDisconnected EventType = "disconnected"
	// EventMessage carries one inbound or outbound message.
	EventMessage EventType = "message"
)

// AccountHandle identifies the account a ready client is logged in as.
type AccountHandle struct {
	ID       string `json:"id"`
	Number   string `json:"number"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Message is a raw message as reported by the client process.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Type      string    `json:"type,omitempty"`
	FromMe    bool      `json:"fromMe"`
	HasMedia  bool      `json:"hasMedia,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Raw is the message object exactly as the client process sent it,
	// fields the typed view does not model included.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Contact is one address-book entry.
type Contact struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Name      string `json:"name,omitempty"`
	PushName  string `json:"pushName,omitempty"`
	IsGroup   bool   `json:"isGroup"`
	IsBlocked bool   `json:"isBlocked,omitempty"`
}

// Chat is one conversation summary.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsGroup       bool      `json:"isGroup"`
	Pinned        bool      `json:"pinned"`
	Archived      bool      `json:"archived,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// ImageOptions tunes SendImage.
type ImageOptions struct {
	AsSticker bool
	Caption   string
}

// Event is one notification raised by a client process.
type Event struct {
	Type    EventType
	QR      string
	Account *AccountHandle
	Reason  string
	Message *Message
}

// Listener receives client events. It is called from the client's own
// goroutine and must not call back into the client synchronously.
type Listener func(Event)

// Client is the opaque capability over one external client process.
type Client interface {
	Start(ctx context.Context) error
	Destroy(ctx context.Context) error
	SendMessage(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to, url string, opts ImageOptions) error
	Info(ctx context.Context) (AccountHandle, error)
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Chats(ctx context.Context) ([]Chat, error)
}

// Factory builds one client for a session. The client must not emit events
// before Start is called.
type Factory interface {
	New(sessionID string, listener Listener) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(sessionID string, listener Listener) (Client, error)

// New calls f.
func (f FactoryFunc) New(sessionID string, listener Listener) (Client, error) {
	return f(sessionID, listener)
}
