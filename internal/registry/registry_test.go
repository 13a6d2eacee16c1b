package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/client/clienttest"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) matching(eventType, sessionID string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, event := range c.events {
		if event.Type == eventType && (sessionID == "" || event.SessionID == sessionID) {
			out = append(out, event)
		}
	}
	return out
}

func (c *collector) forSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, event := range c.events {
		if event.SessionID == sessionID {
			n++
		}
	}
	return n
}

type fakeCredentials struct {
	mu      sync.Mutex
	removed []string
	ready   map[string]string
	err     error
}

func (f *fakeCredentials) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeCredentials) RecordReady(id, identity string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready == nil {
		f.ready = map[string]string{}
	}
	f.ready[id] = identity
	return nil
}

func (f *fakeCredentials) readyIdentity(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.ready[id]
	return identity, ok
}

type fixture struct {
	registry    *Registry
	factory     *clienttest.Factory
	events      *collector
	credentials *fakeCredentials
}

func newFixture(t *testing.T, factory *clienttest.Factory) fixture {
	t.Helper()

	if factory == nil {
		factory = &clienttest.Factory{}
	}
	bus := events.New()
	col := &collector{}
	unsubscribe := bus.SubscribeAll(col.handle)
	t.Cleanup(unsubscribe)

	creds := &fakeCredentials{}
	reg, err := New(Config{
		Session: session.Config{
			Factory:           factory,
			Policy:            reconnect.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond},
			StartTimeout:      time.Second,
			PairingTimeout:    time.Second,
			PairingRetryDelay: 5 * time.Millisecond,
		},
		Bus:         bus,
		Credentials: creds,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Shutdown(context.Background())
	})
	return fixture{registry: reg, factory: factory, events: col, credentials: creds}
}

// lastFake returns the newest fake built for sessionID.
func lastFake(factory *clienttest.Factory, sessionID string) *clienttest.Fake {
	fakes := factory.All()
	for i := len(fakes) - 1; i >= 0; i-- {
		if fakes[i].SessionID == sessionID {
			return fakes[i]
		}
	}
	return nil
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bus: events.New()})
	require.Error(t, err)

	_, err = New(Config{Session: session.Config{Factory: &clienttest.Factory{}}})
	require.Error(t, err)

	_, err = New(Config{
		Session:          session.Config{Factory: &clienttest.Factory{}},
		Bus:              events.New(),
		DefaultSessionID: "not valid!",
	})
	require.ErrorIs(t, err, credstore.ErrInvalidID)
}

func TestGetOrCreateIsAtomicPerID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)

	const workers = 32
	results := make([]*session.Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := fx.registry.GetOrCreate("shared")
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Same(t, results[0], s)
	}
	assert.Len(t, fx.registry.Sessions(), 1)
}

func TestGetOrCreateRejectsInvalidID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	_, err := fx.registry.GetOrCreate("../../etc")
	require.ErrorIs(t, err, credstore.ErrInvalidID)
}

func TestEventsAreReemittedWithSessionID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.registry.Initialize(context.Background(), "sales"))

	lastFake(fx.factory, "sales").EmitQR("2@qr")

	require.Eventually(t, func() bool {
		return len(fx.events.matching(events.TypeAuthCode, "sales")) == 1
	}, waitFor, tick)
	event := fx.events.matching(events.TypeAuthCode, "sales")[0]
	payload, ok := event.Payload.(events.CodePayload)
	require.True(t, ok)
	assert.Equal(t, "sales", payload.SessionID)
	assert.NotEmpty(t, payload.Code)
}

func TestEmptyIDResolvesToActiveSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	assert.Equal(t, DefaultSessionID, fx.registry.ActiveSessionID())

	require.NoError(t, fx.registry.Initialize(context.Background(), ""))
	_, ok := fx.registry.Get(DefaultSessionID)
	require.True(t, ok)

	require.NoError(t, fx.registry.SetActiveSession("second"))
	require.NoError(t, fx.registry.Initialize(context.Background(), ""))
	_, ok = fx.registry.Get("second")
	require.True(t, ok)

	require.ErrorIs(t, fx.registry.SetActiveSession("bad id"), credstore.ErrInvalidID)
}

func TestCreateNewSessionMintsUUID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	id, err := fx.registry.CreateNewSession(context.Background())
	require.NoError(t, err)

	_, err = uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.factory.Count())
	assert.True(t, lastFake(fx.factory, id).Started())
}

func TestTerminateRemovesSessionAndCredentials(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.registry.Initialize(context.Background(), "sales"))
	require.NoError(t, fx.registry.SetActiveSession("sales"))
	fake := lastFake(fx.factory, "sales")
	fake.EmitReady()

	require.NoError(t, fx.registry.Terminate(context.Background(), "sales"))

	_, ok := fx.registry.Get("sales")
	assert.False(t, ok)
	assert.True(t, fake.Destroyed())
	assert.Equal(t, []string{"sales"}, fx.credentials.removed)
	assert.Equal(t, DefaultSessionID, fx.registry.ActiveSessionID())
	require.Eventually(t, func() bool {
		return len(fx.events.matching(events.TypeSessionTerminated, "sales")) == 1
	}, waitFor, tick)
}

func TestTerminateUnknownSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	err := fx.registry.Terminate(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fx.credentials.removed)
}

func TestTerminateReportsCredentialFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.credentials.err = errors.New("read-only filesystem")
	_, err := fx.registry.GetOrCreate("sales")
	require.NoError(t, err)

	err = fx.registry.Terminate(context.Background(), "sales")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only filesystem")

	_, ok := fx.registry.Get("sales")
	assert.True(t, ok, "a failed terminate keeps the session registered")
	assert.Empty(t, fx.events.matching(events.TypeSessionTerminated, "sales"))

	fx.credentials.mu.Lock()
	fx.credentials.err = nil
	fx.credentials.mu.Unlock()

	require.NoError(t, fx.registry.Terminate(context.Background(), "sales"))
	_, ok = fx.registry.Get("sales")
	assert.False(t, ok)
	fx.credentials.mu.Lock()
	assert.Equal(t, []string{"sales"}, fx.credentials.removed)
	fx.credentials.mu.Unlock()
	require.Eventually(t, func() bool {
		return len(fx.events.matching(events.TypeSessionTerminated, "sales")) == 1
	}, waitFor, tick)
}

func TestCommandsOnUnknownSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, fx.registry.Disconnect(ctx, "ghost"), ErrNotFound)
	require.ErrorIs(t, fx.registry.Suspend("ghost"), ErrNotFound)
	require.ErrorIs(t, fx.registry.Resume("ghost"), ErrNotFound)
	require.ErrorIs(t, fx.registry.SendMessage(ctx, "x@c.us", "hi", "ghost"), ErrNotFound)
	require.ErrorIs(t, fx.registry.SendImage(ctx, "x@c.us", "https://example.com/a.png", false, "ghost"), ErrNotFound)
	assert.False(t, fx.registry.IsSuspended("ghost"))
}

func TestCommandsDelegateToSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.registry.Initialize(ctx, "sales"))
	require.ErrorIs(t, fx.registry.SendMessage(ctx, "x@c.us", "hi", "sales"), session.ErrNotReady)

	fake := lastFake(fx.factory, "sales")
	fake.EmitReady()

	require.NoError(t, fx.registry.Suspend("sales"))
	assert.True(t, fx.registry.IsSuspended("sales"))
	require.NoError(t, fx.registry.SendMessage(ctx, "x@c.us", "hi", "sales"))
	require.NoError(t, fx.registry.SendImage(ctx, "x@c.us", "https://example.com/s.webp", true, "sales"))
	require.NoError(t, fx.registry.Resume("sales"))
	assert.False(t, fx.registry.IsSuspended("sales"))
	assert.Len(t, fake.Sent(), 2)

	require.NoError(t, fx.registry.Disconnect(ctx, "sales"))
	assert.True(t, fake.Destroyed())
}

func TestReadyIsRecordedInCredentialMetadata(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.registry.Initialize(context.Background(), "sales"))
	lastFake(fx.factory, "sales").EmitReady()

	require.Eventually(t, func() bool {
		identity, ok := fx.credentials.readyIdentity("sales")
		return ok && identity == "201000000000"
	}, waitFor, tick)
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	built := map[string]int{}
	factory := &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			mu.Lock()
			defer mu.Unlock()
			built[f.SessionID]++
			if f.SessionID == "flaky" && built[f.SessionID] > 1 {
				f.StartErr = errors.New("offline")
			}
		},
	}
	fx := newFixture(t, factory)
	ctx := context.Background()

	require.NoError(t, fx.registry.Initialize(ctx, "flaky"))
	require.NoError(t, fx.registry.Initialize(ctx, "steady"))
	lastFake(factory, "flaky").EmitReady()
	lastFake(factory, "steady").EmitReady()

	require.Eventually(t, func() bool {
		return len(fx.events.matching(events.TypeReady, "steady")) == 1
	}, waitFor, tick)
	steadyBefore := fx.events.forSession("steady")

	lastFake(factory, "flaky").EmitDisconnected("network")

	require.Eventually(t, func() bool {
		return len(fx.events.matching(events.TypeReconnectFailed, "flaky")) == 1
	}, waitFor, tick)
	assert.Len(t, fx.events.matching(events.TypeReconnecting, "flaky"), 5)

	steady, ok := fx.registry.Get("steady")
	require.True(t, ok)
	assert.True(t, steady.Status().Ready)
	assert.Empty(t, fx.events.matching(events.TypeReconnecting, "steady"))
	assert.Equal(t, steadyBefore, fx.events.forSession("steady"))
}

func TestQuerySurfaceReturnsEmptyValues(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			f.ContactList = []client.Contact{{ID: "a@c.us"}}
			f.ChatList = []client.Chat{{ID: "c1", Pinned: true}, {ID: "c2"}}
		},
	})
	ctx := context.Background()

	assert.NotNil(t, fx.registry.Contacts(ctx, "ghost"))
	assert.Empty(t, fx.registry.Contacts(ctx, "ghost"))
	assert.Empty(t, fx.registry.Chats(ctx, "ghost"))
	assert.Empty(t, fx.registry.PinnedChats(ctx, "ghost"))
	assert.Empty(t, fx.registry.RecentChats(ctx, "ghost", 5))
	assert.Equal(t, session.Details{SessionID: "ghost"}, fx.registry.SessionDetails("ghost"))

	require.NoError(t, fx.registry.Initialize(ctx, "sales"))
	assert.Empty(t, fx.registry.Chats(ctx, "sales"), "not ready yet")

	lastFake(fx.factory, "sales").EmitReady()
	assert.Len(t, fx.registry.Contacts(ctx, "sales"), 1)
	assert.Len(t, fx.registry.Chats(ctx, "sales"), 2)
	assert.Len(t, fx.registry.PinnedChats(ctx, "sales"), 1)
	assert.Len(t, fx.registry.RecentChats(ctx, "sales", 1), 1)
	assert.True(t, fx.registry.SessionDetails("sales").Ready)
}

func TestSetMessageHandlerAppliesToAllSessions(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.registry.Initialize(ctx, "before"))

	got := make(chan string, 2)
	fx.registry.SetMessageHandler(session.MessageHandlerFunc(func(_ context.Context, s *session.Session, _ client.Message) error {
		got <- s.ID()
		return nil
	}))
	require.NoError(t, fx.registry.Initialize(ctx, "after"))

	for _, id := range []string{"before", "after"} {
		fake := lastFake(fx.factory, id)
		fake.EmitReady()
		fake.EmitMessage(client.Message{ID: id + "-1", From: "a@c.us", Timestamp: time.Now()})
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(waitFor):
			t.Fatal("message handler was not called")
		}
	}
	assert.Equal(t, map[string]bool{"before": true, "after": true}, seen)
}

func TestStatusesAndShutdown(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.registry.Initialize(ctx, "b"))
	require.NoError(t, fx.registry.Initialize(ctx, "a"))
	lastFake(fx.factory, "a").EmitReady()

	statuses := fx.registry.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].SessionID)
	assert.True(t, statuses[0].IsReady)
	assert.False(t, statuses[1].IsReady)

	require.NoError(t, fx.registry.Shutdown(ctx))
	for _, fake := range fx.factory.All() {
		assert.True(t, fake.Destroyed())
	}
	assert.Len(t, fx.registry.Sessions(), 2, "shutdown keeps sessions registered")
	assert.Empty(t, fx.credentials.removed)
}
