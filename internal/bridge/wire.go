package bridge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ship-commander/wamux/internal/client"
)

// Timestamps on the wire are unix seconds; zero means unknown.

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	Timestamp int64  `json:"timestamp"`
}

func (w wireMessage) toMessage() client.Message {
	return client.Message{
		ID:        w.ID,
		From:      w.From,
		To:        w.To,
		Body:      w.Body,
		Type:      w.Type,
		FromMe:    w.FromMe,
		HasMedia:  w.HasMedia,
		Timestamp: unixSeconds(w.Timestamp),
	}
}

type wireChat struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsGroup       bool   `json:"isGroup"`
	Pinned        bool   `json:"pinned"`
	Archived      bool   `json:"archived"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt int64  `json:"lastMessageAt"`
}

func (w wireChat) toChat() client.Chat {
	return client.Chat{
		ID:            w.ID,
		Name:          w.Name,
		IsGroup:       w.IsGroup,
		Pinned:        w.Pinned,
		Archived:      w.Archived,
		UnreadCount:   w.UnreadCount,
		LastMessageAt: unixSeconds(w.LastMessageAt),
	}
}

func unixSeconds(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// translate maps one wire event onto a client event. Unknown or unusable
// frames are skipped.
func (c *Client) translate(ev WireEvent) (client.Event, bool) {
	switch ev.Name {
	case "qr":
		var data struct {
			QR string `json:"qr"`
		}
		if !c.decode(ev, &data) || strings.TrimSpace(data.QR) == "" {
			return client.Event{}, false
		}
		return client.Event{Type: client.EventQR, QR: data.QR}, true
	case "authenticated":
		return client.Event{Type: client.EventAuthenticated}, true
	case "auth_failure":
		var data struct {
			Reason string `json:"reason"`
		}
		c.decode(ev, &data)
		return client.Event{Type: client.EventAuthFailure, Reason: data.Reason}, true
	case "ready":
		var data struct {
			Account *client.AccountHandle `json:"account"`
		}
		c.decode(ev, &data)
		return client.Event{Type: client.EventReady, Account: data.Account}, true
	case "disconnected":
		var data struct {
			Reason string `json:"reason"`
		}
		c.decode(ev, &data)
		return client.Event{Type: client.EventDisconnected, Reason: data.Reason}, true
	case "message":
		var data wireMessage
		if !c.decode(ev, &data) {
			return client.Event{}, false
		}
		msg := data.toMessage()
		msg.Raw = append(json.RawMessage(nil), ev.Data...)
		return client.Event{Type: client.EventMessage, Message: &msg}, true
	default:
		c.logger.Debug("ignore bridge event", "event", ev.Name)
		return client.Event{}, false
	}
}

func (c *Client) decode(ev WireEvent, out any) bool {
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(ev.Data, out); err != nil {
		c.logger.Warn("decode bridge event", "event", ev.Name, "err", err)
		return false
	}
	return true
}
