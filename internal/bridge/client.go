package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/telemetry"
)

const (
	// DefaultHeartbeatInterval is how often a started bridge is probed.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultShutdownGrace is how long Destroy waits before killing.
	DefaultShutdownGrace = 5 * time.Second
	// DefaultPingTimeout bounds one liveness ping.
	DefaultPingTimeout = 5 * time.Second

	// ReasonProcessLost is the disconnect reason for a dead or hung bridge.
	ReasonProcessLost = "process_lost"

	eventHello = "hello"
)

var (
	// ErrNotStarted reports a call on a client whose bridge has not said hello.
	ErrNotStarted = errors.New("bridge not started")
	// ErrDestroyed reports a call on a destroyed client.
	ErrDestroyed = errors.New("bridge client destroyed")
)

// Credentials provisions the per-session auth directory handed to the bridge.
type Credentials interface {
	EnsureDir(id string) (string, error)
}

// Config configures the bridge factory.
type Config struct {
	Command           string
	Args              []string
	Credentials       Credentials
	Launcher          Launcher
	Checker           ProcessChecker
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ShutdownGrace     time.Duration
	Logger            *log.Logger
}

// Factory builds bridge-backed clients.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and fills defaults.
func NewFactory(cfg Config) (*Factory, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, errors.New("bridge command is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Checker == nil {
		cfg.Checker = SystemChecker{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	return &Factory{cfg: cfg}, nil
}

// New returns an unstarted client for sessionID.
func (f *Factory) New(sessionID string, listener client.Listener) (client.Client, error) {
	if f == nil {
		return nil, errors.New("bridge factory is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if listener == nil {
		return nil, errors.New("listener is required")
	}
	return &Client{
		sessionID: sessionID,
		cfg:       f.cfg,
		listener:  listener,
		logger:    f.cfg.Logger.With("component", "bridge", "session_id", sessionID),
	}, nil
}

// Client is one bridge process bound to one session.
type Client struct {
	sessionID string
	cfg       Config
	listener  client.Listener
	logger    *log.Logger

	mu        sync.Mutex
	proc      Process
	conn      *Conn
	started   bool
	hello     bool
	destroyed bool
	lost      bool
	stopWatch context.CancelFunc
}

// Start launches the bridge and waits for its hello frame.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("bridge already started")
	}
	c.started = true
	c.mu.Unlock()

	dir, err := c.cfg.Credentials.EnsureDir(c.sessionID)
	if err != nil {
		return fmt.Errorf("prepare auth dir: %w", err)
	}
	args := append(append([]string(nil), c.cfg.Args...), "--session", c.sessionID, "--auth-dir", dir)
	proc, err := c.cfg.Launcher.Launch(ctx, c.cfg.Command, args)
	if err != nil {
		return fmt.Errorf("launch bridge: %w", err)
	}
	conn := NewConn(proc.Stdout(), proc.Stdin(), c.logger)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		c.kill(proc, conn)
		return ErrDestroyed
	}
	c.proc = proc
	c.conn = conn
	c.mu.Unlock()

	hello := make(chan struct{})
	go c.pump(conn, hello)

	select {
	case <-hello:
	case <-ctx.Done():
		c.abort()
		return fmt.Errorf("wait for bridge hello: %w", ctx.Err())
	case <-conn.Done():
		c.abort()
		return fmt.Errorf("bridge exited before hello: %w", conn.Err())
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		cancel()
		return ErrDestroyed
	}
	c.stopWatch = cancel
	c.mu.Unlock()
	go c.watch(watchCtx, proc, conn)

	c.logger.Info("bridge started", "pid", proc.Pid())
	return nil
}

// Destroy asks the bridge to shut down, then escalates to SIGTERM and
// SIGKILL. No events are emitted once Destroy begins.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	proc, conn, stop, hello := c.proc, c.conn, c.stopWatch, c.hello
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if proc == nil {
		return nil
	}
	defer func() {
		conn.Close()
		_ = proc.Stdout().Close()
	}()

	if hello && !exited(proc) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
		if err := conn.Call(callCtx, "shutdown", nil, nil); err != nil {
			c.logger.Debug("shutdown request", "err", err)
		}
		cancel()
	}
	_ = proc.Stdin().Close()
	if exited(proc) {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Debug("terminate bridge", "err", err)
		return c.forceKill(proc)
	}
	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-timer.C:
		c.logger.Warn("bridge ignored SIGTERM, killing", "pid", proc.Pid())
	case <-ctx.Done():
	}
	return c.forceKill(proc)
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	return c.call(ctx, "sendMessage", map[string]any{"to": to, "body": body}, nil)
}

// SendImage sends an image by URL, optionally as a sticker.
func (c *Client) SendImage(ctx context.Context, to, url string, opts client.ImageOptions) error {
	params := map[string]any{"to": to, "url": url, "asSticker": opts.AsSticker}
	if opts.Caption != "" {
		params["caption"] = opts.Caption
	}
	return c.call(ctx, "sendImage", params, nil)
}

// Info returns the logged-in account.
func (c *Client) Info(ctx context.Context) (client.AccountHandle, error) {
	var account client.AccountHandle
	if err := c.call(ctx, "info", nil, &account); err != nil {
		return client.AccountHandle{}, err
	}
	return account, nil
}

// RequestPairingCode asks the bridge for a pairing code for phoneNumber.
func (c *Client) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	var result struct {
		Code string `json:"code"`
	}
	if err := c.call(ctx, "requestPairingCode", map[string]any{"phoneNumber": phoneNumber}, &result); err != nil {
		return "", err
	}
	code := strings.TrimSpace(result.Code)
	if code == "" {
		return "", errors.New("bridge returned an empty pairing code")
	}
	return code, nil
}

// Contacts lists the address book.
func (c *Client) Contacts(ctx context.Context) ([]client.Contact, error) {
	var contacts []client.Contact
	if err := c.call(ctx, "contacts", nil, &contacts); err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []client.Contact{}
	}
	return contacts, nil
}

// Chats lists conversations.
func (c *Client) Chats(ctx context.Context) ([]client.Chat, error) {
	var wire []wireChat
	if err := c.call(ctx, "chats", nil, &wire); err != nil {
		return nil, err
	}
	chats := make([]client.Chat, 0, len(wire))
	for _, w := range wire {
		chats = append(chats, w.toChat())
	}
	return chats, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn, proc, hello, destroyed := c.conn, c.proc, c.hello, c.destroyed
	c.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if conn == nil || proc == nil || !hello {
		return ErrNotStarted
	}

	ctx, span := telemetry.StartRPCCall(ctx, telemetry.RPCCallRequest{
		Method:    method,
		SessionID: c.sessionID,
		Pid:       proc.Pid(),
	})
	err := conn.Call(ctx, method, params, out)
	span.End(err)
	return err
}

// pump delivers events to the listener off the read goroutine.
func (c *Client) pump(conn *Conn, hello chan struct{}) {
	for ev := range conn.Events() {
		if ev.Name == eventHello {
			c.mu.Lock()
			first := !c.hello
			c.hello = true
			c.mu.Unlock()
			if first {
				close(hello)
			}
			continue
		}
		event, ok := c.translate(ev)
		if !ok {
			continue
		}
		if !c.emittable() {
			continue
		}
		c.listener(event)
	}
	c.processLost("event stream closed")
}

func (c *Client) watch(ctx context.Context, proc Process, conn *Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			c.processLost("process exited")
			return
		case <-ticker.C:
			if err := c.probe(ctx, proc, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.processLost(err.Error())
				return
			}
		}
	}
}

func (c *Client) probe(ctx context.Context, proc Process, conn *Conn) error {
	alive, err := c.cfg.Checker.Alive(ctx, proc.Pid())
	if err != nil {
		c.logger.Debug("liveness check", "err", err)
	} else if !alive {
		return fmt.Errorf("pid %d is not running", proc.Pid())
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	if err := conn.Call(pingCtx, "ping", nil, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// processLost reports a dead or hung bridge once and kills what is left.
// Nothing is reported before hello; Start surfaces that failure itself.
func (c *Client) processLost(detail string) {
	c.mu.Lock()
	if c.destroyed || c.lost || !c.hello {
		c.mu.Unlock()
		return
	}
	c.lost = true
	proc, conn, stop := c.proc, c.conn, c.stopWatch
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.logger.Warn("bridge process lost", "detail", detail)
	c.kill(proc, conn)
	c.listener(client.Event{Type: client.EventDisconnected, Reason: ReasonProcessLost})
}

func (c *Client) emittable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && !c.lost
}

func (c *Client) abort() {
	c.mu.Lock()
	c.destroyed = true
	proc, conn := c.proc, c.conn
	c.mu.Unlock()
	c.kill(proc, conn)
}

func (c *Client) kill(proc Process, conn *Conn) {
	if conn != nil {
		conn.Close()
	}
	if proc == nil {
		return
	}
	_ = proc.Stdin().Close()
	if err := c.forceKill(proc); err != nil {
		c.logger.Warn("kill bridge", "err", err)
	}
	_ = proc.Stdout().Close()
}

func (c *Client) forceKill(proc Process) error {
	if exited(proc) {
		return nil
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill bridge pid %d: %w", proc.Pid(), err)
	}
	<-proc.Done()
	return nil
}

func exited(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}
