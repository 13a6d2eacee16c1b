// Package stream fans bus events out to websocket clients and serves the
// session snapshot over HTTP.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/ship-commander/wamux/internal/events"
)

const (
	// TypeSnapshot is the first frame every websocket client receives.
	TypeSnapshot = "snapshot"

	// DefaultSendQueue is the per-client frame backlog before the client is
	// dropped.
	DefaultSendQueue = 64

	writeTimeout = 10 * time.Second
)

// SnapshotSource reports the current status of every session.
type SnapshotSource interface {
	Statuses() []events.StatusPayload
}

// SnapshotPayload lists every session status.
type SnapshotPayload struct {
	Sessions []events.StatusPayload `json:"sessions"`
}

// Conn is the slice of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	conn Conn
	send chan []byte
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// HubConfig configures a Hub.
type HubConfig struct {
	Bus       events.Bus
	Source    SnapshotSource
	SendQueue int
	Logger    *log.Logger
}

// Hub broadcasts every bus event to its websocket clients.
type Hub struct {
	source    SnapshotSource
	sendQueue int
	logger    *log.Logger
	now       func() time.Time

	mu          sync.RWMutex
	clients     map[*subscriber]struct{}
	closed      bool
	unsubscribe func()
}

// NewHub subscribes a hub to every event on cfg.Bus.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	h := &Hub{
		source:    cfg.Source,
		sendQueue: cfg.SendQueue,
		logger:    cfg.Logger.With("component", "stream"),
		now:       time.Now,
		clients:   map[*subscriber]struct{}{},
	}
	h.unsubscribe = cfg.Bus.SubscribeAll(h.broadcast)
	return h, nil
}

// Snapshot returns the frame new clients receive first.
func (h *Hub) Snapshot() events.Event {
	statuses := h.source.Statuses()
	if statuses == nil {
		statuses = []events.StatusPayload{}
	}
	return events.Event{
		Type:      TypeSnapshot,
		Timestamp: h.now().UTC(),
		Payload:   SnapshotPayload{Sessions: statuses},
	}
}

// AddClient registers conn and queues the snapshot for it. The returned
// function unregisters it.
func (h *Hub) AddClient(conn Conn) (remove func()) {
	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, h.sendQueue),
	}
	go sub.writePump()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.send)
		return func() {}
	}
	// The snapshot is queued before registration so it precedes every
	// broadcast frame.
	if data, err := json.Marshal(h.Snapshot()); err != nil {
		h.logger.Warn("encode snapshot", "err", err)
	} else {
		sub.send <- data
	}
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return func() { h.remove(sub) }
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for sub := range h.clients {
		close(sub.send)
	}
	h.clients = map[*subscriber]struct{}{}
	unsubscribe := h.unsubscribe
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (h *Hub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("encode event", "type", event.Type, "err", err)
		return
	}

	// Sends happen under the read lock so remove cannot close a channel
	// mid-send.
	var slow []*subscriber
	h.mu.RLock()
	for sub := range h.clients {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("stream client too slow, disconnecting")
		h.remove(sub)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
}
