package events

import (
	"github.com/ship-commander/wamux/internal/authcode"
	"github.com/ship-commander/wamux/internal/client"
)

const (
	// TypeStatus is emitted on every session status mutation.
	TypeStatus = "status"
	// TypeAuthCode carries a rendered scannable code.
	TypeAuthCode = "authCode"
	// TypePairingCode carries a numeric pairing code.
	TypePairingCode = "pairingCode"
	// TypeReady marks a session that finished authenticating.
	TypeReady = "ready"
	// TypeDisconnected marks the loss of a session's client connection.
	TypeDisconnected = "disconnected"
	// TypeReconnecting marks a scheduled reconnect attempt.
	TypeReconnecting = "reconnecting"
	// TypeReconnectFailed marks a session that exhausted its reconnect budget.
	TypeReconnectFailed = "reconnectFailed"
	// TypeSessionTerminated marks a session removed together with its credentials.
	TypeSessionTerminated = "sessionTerminated"
	// TypeMessage forwards a raw inbound or outbound message.
	TypeMessage = "message"
	// TypeRestored summarizes startup credential restoration.
	TypeRestored = "restored"
)

// StatusPayload mirrors a session's status flags.
type StatusPayload struct {
	SessionID         string                `json:"sessionId"`
	IsConnected       bool                  `json:"isConnected"`
	IsReady           bool                  `json:"isReady"`
	AuthCode          *authcode.Code        `json:"authCode"`
	ConnectedIdentity *client.AccountHandle `json:"connectedIdentity"`
	Suspended         bool                  `json:"suspended"`
	Reconnecting      bool                  `json:"reconnecting"`
}

// CodePayload carries an authCode or pairingCode value.
type CodePayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// ReadyPayload is emitted once a session reaches ready.
type ReadyPayload struct {
	SessionID string `json:"sessionId"`
}

// DisconnectedPayload describes why a session lost its connection.
type DisconnectedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ReconnectingPayload describes one scheduled reconnect attempt.
type ReconnectingPayload struct {
	SessionID   string `json:"sessionId"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

// ReconnectFailedPayload is the terminal reconnect outcome.
type ReconnectFailedPayload struct {
	SessionID string `json:"sessionId"`
	Attempts  int    `json:"attempts"`
}

// SessionTerminatedPayload is emitted after a session and its credentials are removed.
type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
}

// MessagePayload forwards a client message verbatim with its session attached.
type MessagePayload struct {
	SessionID string         `json:"sessionId"`
	Message   client.Message `json:"message"`
}

// RestoredPayload summarizes startup restoration.
type RestoredPayload struct {
	Initialized []string `json:"initialized"`
	Dormant     []string `json:"dormant"`
	Removed     []string `json:"removed"`
	Failed      []string `json:"failed,omitempty"`
}
