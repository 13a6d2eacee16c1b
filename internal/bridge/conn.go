// Package bridge drives an external web-client process over newline-delimited
// JSON on its stdin and stdout. It implements client.Factory so sessions can
// run against a real browser automation script.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

const (
	maxFrameBytes     = 16 << 20
	eventBufferLength = 256
)

// ErrClosed reports a call on a connection whose peer went away.
var ErrClosed = errors.New("bridge connection closed")

// RemoteError is a call the bridge process answered with ok=false.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge %s: %s", e.Method, e.Message)
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inbound is either a response (ID set) or an event (Event set).
type inbound struct {
	ID     uint64          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WireEvent is one unsolicited frame from the bridge process.
type WireEvent struct {
	Name string
	Data json.RawMessage
}

// Conn multiplexes calls and events over one frame stream.
type Conn struct {
	w      io.Writer
	logger *log.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan inbound
	err     error

	events    chan WireEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn starts reading frames from r. Calls are written to w.
func NewConn(r io.Reader, w io.Writer, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Conn{
		w:       w,
		logger:  logger,
		pending: map[uint64]chan inbound{},
		events:  make(chan WireEvent, eventBufferLength),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Events yields unsolicited frames in arrival order. It is closed when the
// stream ends.
func (c *Conn) Events() <-chan WireEvent {
	return c.events
}

// Done is closed when the stream ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the stream ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close fails every in-flight call. It does not close the underlying stream.
func (c *Conn) Close() {
	c.fail(ErrClosed)
}

// Call sends method with params and decodes the result into out, which may
// be nil.
func (c *Conn) Call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	id := c.nextID.Add(1)
	reply := make(chan inbound, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = "request failed"
			}
			return &RemoteError{Method: method, Message: msg}
		}
		if out != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Conn) write(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(payload)
	return err
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame inbound
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("skip malformed bridge frame", "err", err)
			continue
		}
		if frame.Event != "" {
			select {
			case c.events <- WireEvent{Name: frame.Event, Data: frame.Data}:
			case <-c.done:
				return
			}
			continue
		}
		c.deliver(frame)
	}

	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.fail(err)
}

func (c *Conn) deliver(frame inbound) {
	c.mu.Lock()
	reply, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("drop response for unknown call", "id", frame.ID)
		return
	}
	select {
	case reply <- frame:
	default:
		c.logger.Debug("drop duplicate response", "id", frame.ID)
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
