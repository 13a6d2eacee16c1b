package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/wamux/internal/authcode"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/client/clienttest"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) sink(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (r *recorder) count(eventType string) int {
	return len(r.ofType(eventType))
}

func newTestSession(t *testing.T, factory *clienttest.Factory, mutate func(*Config)) (*Session, *recorder) {
	t.Helper()

	rec := &recorder{}
	cfg := Config{
		Factory:           factory,
		Sink:              rec.sink,
		Policy:            reconnect.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond},
		StartTimeout:      time.Second,
		PairingTimeout:    time.Second,
		PairingRetryDelay: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New("default", cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Disconnect(context.Background(), true)
	})
	return s, rec
}

func readySession(t *testing.T, factory *clienttest.Factory, mutate func(*Config)) (*Session, *recorder, *clienttest.Fake) {
	t.Helper()

	s, rec := newTestSession(t, factory, mutate)
	return s, rec, makeReady(t, s, factory)
}

func makeReady(t *testing.T, s *Session, factory *clienttest.Factory) *clienttest.Fake {
	t.Helper()

	require.NoError(t, s.Initialize(context.Background()))
	fake := factory.Last()
	require.NotNil(t, fake)
	fake.EmitReady()
	require.True(t, s.Status().Ready)
	return fake
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New("", Config{Factory: &clienttest.Factory{}})
	require.Error(t, err)

	_, err = New("default", Config{})
	require.Error(t, err)
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _ := newTestSession(t, factory, nil)

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))

	assert.Equal(t, 1, factory.Count())
	assert.True(t, factory.Last().Started())
	assert.Equal(t, state.PhaseAuthenticating, s.Phase())
}

func TestInitializeStartFailureLeavesSessionIdle(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{
		Configure: func(n int, f *clienttest.Fake) {
			if n == 0 {
				f.StartErr = errors.New("browser missing")
			}
		},
	}
	s, _ := newTestSession(t, factory, nil)

	err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser missing")
	assert.Equal(t, Status{}, s.Status())
	assert.Equal(t, state.PhaseIdle, s.Phase())
	assert.True(t, factory.Last().Destroyed())

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, 2, factory.Count())
}

func TestInitializeFactoryFailure(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{NewErr: errors.New("no slots")}
	s, _ := newTestSession(t, factory, nil)

	require.Error(t, s.Initialize(context.Background()))
	assert.Equal(t, state.PhaseIdle, s.Phase())
}

func TestQRThenReady(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec := newTestSession(t, factory, nil)
	require.NoError(t, s.Initialize(context.Background()))
	fake := factory.Last()

	fake.EmitQR("2@abc,def,ghi")
	status := s.Status()
	require.NotNil(t, status.AuthCode)
	assert.Equal(t, authcode.KindQR, status.AuthCode.Kind)
	assert.True(t, strings.HasPrefix(status.AuthCode.Value, "data:image/png;base64,"))
	assert.False(t, status.Ready)
	require.Len(t, rec.ofType(events.TypeAuthCode), 1)

	fake.EmitReady()
	status = s.Status()
	assert.True(t, status.Connected)
	assert.True(t, status.Ready)
	assert.Nil(t, status.AuthCode)
	require.NotNil(t, status.ConnectedIdentity)
	assert.Equal(t, "201000000000", status.ConnectedIdentity.Number)
	assert.Equal(t, state.PhaseReady, s.Phase())
	assert.Equal(t, 1, rec.count(events.TypeReady))
	assert.NotNil(t, s.Stats().StartedAt)

	last := rec.ofType(events.TypeStatus)
	payload, ok := last[len(last)-1].Payload.(events.StatusPayload)
	require.True(t, ok)
	assert.True(t, payload.IsReady)
	assert.Equal(t, "default", payload.SessionID)
}

func TestReadyWithoutAccountFetchesInfo(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _ := newTestSession(t, factory, nil)
	require.NoError(t, s.Initialize(context.Background()))

	factory.Last().Emit(client.Event{Type: client.EventReady})

	require.Eventually(t, func() bool {
		status := s.Status()
		return status.Ready && status.ConnectedIdentity != nil
	}, waitFor, tick)
	assert.Equal(t, "201000000000@c.us", s.Status().ConnectedIdentity.ID)
}

func TestAuthFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec := newTestSession(t, factory, nil)
	require.NoError(t, s.Initialize(context.Background()))

	factory.Last().Emit(client.Event{Type: client.EventAuthFailure, Reason: "bad session"})

	assert.Equal(t, state.PhaseIdle, s.Phase())
	assert.Equal(t, Status{}, s.Status())
	assert.Equal(t, 0, rec.count(events.TypeReconnecting))
	require.Eventually(t, factory.Last().Destroyed, waitFor, tick)
}

func TestUnexpectedDisconnectReconnects(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, first := readySession(t, factory, nil)

	first.EmitDisconnected("NAVIGATION")
	status := s.Status()
	assert.False(t, status.Ready)
	assert.Nil(t, status.ConnectedIdentity)
	require.Len(t, rec.ofType(events.TypeReconnecting), 1)

	require.Eventually(t, func() bool { return factory.Count() == 2 && factory.Last().Started() }, waitFor, tick)
	require.Eventually(t, first.Destroyed, waitFor, tick)

	factory.Last().EmitReady()
	assert.True(t, s.Status().Ready)
	assert.False(t, s.Status().Reconnecting)
	assert.Equal(t, state.PhaseReady, s.Phase())

	payload := rec.ofType(events.TypeReconnecting)[0].Payload.(events.ReconnectingPayload)
	assert.Equal(t, 1, payload.Attempt)
	assert.Equal(t, 5, payload.MaxAttempts)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{
		Configure: func(n int, f *clienttest.Fake) {
			if n > 0 {
				f.StartErr = errors.New("still offline")
			}
		},
	}
	s, rec, first := readySession(t, factory, nil)

	first.EmitDisconnected("network")

	require.Eventually(t, func() bool { return rec.count(events.TypeReconnectFailed) == 1 }, waitFor, tick)

	reconnecting := rec.ofType(events.TypeReconnecting)
	require.Len(t, reconnecting, 5)
	for i, event := range reconnecting {
		payload := event.Payload.(events.ReconnectingPayload)
		assert.Equal(t, i+1, payload.Attempt)
	}
	failed := rec.ofType(events.TypeReconnectFailed)[0].Payload.(events.ReconnectFailedPayload)
	assert.Equal(t, 5, failed.Attempts)
	assert.Equal(t, 6, factory.Count())
	assert.False(t, s.Status().Reconnecting)
	assert.Equal(t, state.PhaseFailed, s.Phase())

	// No further attempts after giving up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, factory.Count())
}

func TestFatalDisconnectDoesNotRetry(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, first := readySession(t, factory, nil)

	first.EmitDisconnected("LOGOUT")

	assert.Equal(t, 0, rec.count(events.TypeReconnecting))
	require.Len(t, rec.ofType(events.TypeReconnectFailed), 1)
	assert.Equal(t, state.PhaseFailed, s.Phase())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, factory.Count())
}

func TestManualDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, first := readySession(t, factory, func(cfg *Config) {
		cfg.Policy.BaseDelay = 50 * time.Millisecond
	})

	first.EmitDisconnected("network")
	require.Equal(t, 1, rec.count(events.TypeReconnecting))
	require.True(t, s.Status().Reconnecting)

	require.NoError(t, s.Disconnect(context.Background(), true))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, factory.Count())
	assert.Equal(t, 1, rec.count(events.TypeReconnecting))
	assert.Equal(t, Status{}, s.Status())
	assert.Equal(t, state.PhaseIdle, s.Phase())
}

func TestManualDisconnectTearsDownAndIgnoresLateEvents(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, fake := readySession(t, factory, nil)
	require.NoError(t, s.Suspend())

	require.NoError(t, s.Disconnect(context.Background(), true))
	assert.True(t, fake.Destroyed())
	assert.Equal(t, Status{}, s.Status())
	require.Len(t, rec.ofType(events.TypeDisconnected), 1)

	fake.EmitDisconnected("late")
	fake.EmitReady()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, factory.Count())
	assert.False(t, s.Status().Ready)
	assert.Equal(t, 0, rec.count(events.TypeReconnecting))
}

func TestDisconnectReasonReflectsManualFlag(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		manual bool
		want   string
	}{
		{manual: true, want: "manual"},
		{manual: false, want: "requested"},
	} {
		factory := &clienttest.Factory{}
		s, rec, _ := readySession(t, factory, nil)
		require.NoError(t, s.Disconnect(context.Background(), tc.manual))

		disconnected := rec.ofType(events.TypeDisconnected)
		require.Len(t, disconnected, 1)
		assert.Equal(t, tc.want, disconnected[0].Payload.(events.DisconnectedPayload).Reason, "manual=%v", tc.manual)
	}
}

func TestDisconnectBeforeReadyDoesNotReconnect(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec := newTestSession(t, factory, nil)
	require.NoError(t, s.Initialize(context.Background()))

	factory.Last().EmitDisconnected("network")

	assert.Equal(t, 0, rec.count(events.TypeReconnecting))
	assert.Equal(t, state.PhaseIdle, s.Phase())
}

func TestDisconnectMidAuthDoesNotReconnect(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, first := readySession(t, factory, nil)

	first.EmitDisconnected("network")
	require.Eventually(t, func() bool { return factory.Count() == 2 && factory.Last().Started() }, waitFor, tick)

	second := factory.Last()
	second.EmitQR("2@retry")
	second.EmitDisconnected("network")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, factory.Count())
	assert.Equal(t, 1, rec.count(events.TypeReconnecting))
	assert.Equal(t, state.PhaseIdle, s.Phase())
}

func TestAutoReconnectDisabled(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec, first := readySession(t, factory, func(cfg *Config) {
		cfg.DisableAutoReconnect = true
	})

	first.EmitDisconnected("network")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, factory.Count())
	assert.Equal(t, 0, rec.count(events.TypeReconnecting))
	assert.Equal(t, state.PhaseIdle, s.Phase())
}

func TestDisablingAutoReconnectAbortsPendingRetry(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _, first := readySession(t, factory, func(cfg *Config) {
		cfg.Policy.BaseDelay = 50 * time.Millisecond
	})

	first.EmitDisconnected("network")
	require.True(t, s.Status().Reconnecting)

	s.SetAutoReconnect(false)
	assert.False(t, s.Status().Reconnecting)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, factory.Count())
}

func TestSuspendRequiresConnectionAndDoesNotBlockSends(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec := newTestSession(t, factory, nil)
	require.ErrorIs(t, s.Suspend(), ErrNotConnected)
	require.ErrorIs(t, s.Resume(), ErrNotConnected)

	require.NoError(t, s.Initialize(context.Background()))
	fake := factory.Last()
	fake.EmitReady()

	before := rec.count(events.TypeStatus)
	require.NoError(t, s.Suspend())
	assert.True(t, s.IsSuspended())
	assert.Equal(t, before+1, rec.count(events.TypeStatus))

	require.NoError(t, s.SendMessage(context.Background(), "201111111111@c.us", "still sending"))
	require.Len(t, fake.Sent(), 1)

	require.NoError(t, s.Resume())
	assert.False(t, s.IsSuspended())
}

func TestSuspendSurvivesUnexpectedDisconnect(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _, fake := readySession(t, factory, nil)
	require.NoError(t, s.Suspend())

	fake.EmitDisconnected("network")
	assert.True(t, s.Status().Suspended)
}

func TestSendRequiresReady(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _ := newTestSession(t, factory, nil)

	require.ErrorIs(t, s.SendMessage(context.Background(), "x@c.us", "hi"), ErrNotReady)
	require.ErrorIs(t, s.SendImage(context.Background(), "x@c.us", "https://example.com/a.png", false), ErrNotReady)

	require.NoError(t, s.Initialize(context.Background()))
	require.ErrorIs(t, s.SendMessage(context.Background(), "x@c.us", "hi"), ErrNotReady)
}

func TestSendImageAndFailures(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _, fake := readySession(t, factory, nil)

	require.Error(t, s.SendImage(context.Background(), "x@c.us", " ", true))
	require.NoError(t, s.SendImage(context.Background(), "x@c.us", "https://example.com/a.webp", true))
	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].AsSticker)

	fake.SendErr = errors.New("rate limited")
	err := s.SendMessage(context.Background(), "x@c.us", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestReplyCountsReplies(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _, _ := readySession(t, factory, nil)

	require.NoError(t, s.Reply(context.Background(), "x@c.us", "one"))
	require.NoError(t, s.Reply(context.Background(), "x@c.us", "two"))
	assert.Equal(t, 2, s.Stats().RepliesSent)
	assert.Equal(t, 2, s.Details().RepliesSent)
}

func TestStaleMessagesAreDropped(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, rec := newTestSession(t, factory, nil)
	startedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return startedAt }

	handled := make(chan string, 4)
	s.SetMessageHandler(MessageHandlerFunc(func(_ context.Context, _ *Session, msg client.Message) error {
		handled <- msg.ID
		return nil
	}))

	require.NoError(t, s.Initialize(context.Background()))
	fake := factory.Last()
	fake.EmitReady()

	fake.EmitMessage(client.Message{ID: "old", From: "a@c.us", Timestamp: startedAt.Add(-31 * time.Second)})
	fake.EmitMessage(client.Message{
		ID:        "fresh",
		From:      "a@c.us",
		Timestamp: startedAt.Add(-29 * time.Second),
		Raw:       json.RawMessage(`{"id":"fresh","quotedMsgId":"q9"}`),
	})
	fake.EmitMessage(client.Message{ID: "mine", From: "me@c.us", FromMe: true, Timestamp: startedAt})

	select {
	case id := <-handled:
		assert.Equal(t, "fresh", id)
	case <-time.After(waitFor):
		t.Fatal("fresh message was not handled")
	}
	select {
	case id := <-handled:
		t.Fatalf("unexpected handled message %q", id)
	case <-time.After(30 * time.Millisecond):
	}

	messages := rec.ofType(events.TypeMessage)
	require.Len(t, messages, 2)
	forwarded := messages[0].Payload.(events.MessagePayload).Message
	assert.Equal(t, "fresh", forwarded.ID)
	assert.JSONEq(t, `{"id":"fresh","quotedMsgId":"q9"}`, string(forwarded.Raw))
}

func TestMessageHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _, fake := readySession(t, factory, nil)

	done := make(chan struct{})
	s.SetMessageHandler(MessageHandlerFunc(func(context.Context, *Session, client.Message) error {
		defer close(done)
		panic("boom")
	}))
	fake.EmitMessage(client.Message{ID: "m1", From: "a@c.us", Timestamp: time.Now()})

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("handler did not run")
	}
	assert.True(t, s.Status().Ready)
}

func TestRequestPairingCodeRetriesUntilCode(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	factory := &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			f.OnStart = func(f *clienttest.Fake) { f.EmitQR("2@pair") }
			f.PairingFunc = func(context.Context, string) (string, error) {
				mu.Lock()
				defer mu.Unlock()
				calls++
				if calls == 1 {
					return "", errors.New("handshake not ready")
				}
				return "ABCD-1234", nil
			}
		},
	}
	s, rec := newTestSession(t, factory, nil)

	code, err := s.RequestPairingCode(context.Background(), "+20 100-000-0000")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)

	fake := factory.Last()
	assert.Equal(t, []string{"201000000000", "201000000000"}, fake.PairingCalls())
	assert.False(t, fake.Destroyed())
	assert.Equal(t, 0, rec.count(events.TypeAuthCode))
	require.Len(t, rec.ofType(events.TypePairingCode), 1)

	status := s.Status()
	require.NotNil(t, status.AuthCode)
	assert.Equal(t, authcode.KindPairing, status.AuthCode.Kind)
	assert.Equal(t, "ABCD-1234", status.AuthCode.Value)

	fake.EmitReady()
	assert.True(t, s.Status().Ready)
	assert.Nil(t, s.Status().AuthCode)
}

func TestRequestPairingCodeReplacesExistingClient(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{
		Configure: func(n int, f *clienttest.Fake) {
			if n == 0 {
				return
			}
			f.OnStart = func(f *clienttest.Fake) { f.EmitQR("2@pair") }
			f.PairingFunc = func(context.Context, string) (string, error) { return "WXYZ9876", nil }
		},
	}
	s, _ := newTestSession(t, factory, nil)
	require.NoError(t, s.Initialize(context.Background()))
	first := factory.Last()

	code, err := s.RequestPairingCode(context.Background(), "201000000000")
	require.NoError(t, err)
	assert.Equal(t, "WXYZ9876", code)
	assert.True(t, first.Destroyed())
	assert.Equal(t, 2, factory.Count())
}

func TestRequestPairingCodeTimesOut(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			f.OnStart = func(f *clienttest.Fake) { f.EmitQR("2@pair") }
		},
	}
	s, _ := newTestSession(t, factory, func(cfg *Config) {
		cfg.PairingTimeout = 60 * time.Millisecond
	})

	started := time.Now()
	_, err := s.RequestPairingCode(context.Background(), "201000000000")
	require.ErrorIs(t, err, authcode.ErrPairingTimeout)
	assert.Less(t, time.Since(started), waitFor)
	assert.True(t, factory.Last().Destroyed())
	assert.Equal(t, state.PhaseIdle, s.Phase())
	assert.Nil(t, s.Status().AuthCode)
}

func TestRequestPairingCodeResolvedByReady(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			f.OnStart = func(f *clienttest.Fake) { f.EmitQR("2@pair") }
		},
	}
	s, _ := newTestSession(t, factory, nil)

	go func() {
		for factory.Last() == nil || len(factory.Last().PairingCalls()) == 0 {
			time.Sleep(tick)
		}
		factory.Last().EmitReady()
	}()

	_, err := s.RequestPairingCode(context.Background(), "201000000000")
	require.ErrorIs(t, err, ErrAlreadyReady)
	assert.True(t, s.Status().Ready)
	assert.False(t, factory.Last().Destroyed())
}

func TestRequestPairingCodeValidation(t *testing.T) {
	t.Parallel()

	factory := &clienttest.Factory{}
	s, _ := newTestSession(t, factory, nil)
	_, err := s.RequestPairingCode(context.Background(), "call me")
	require.ErrorIs(t, err, ErrInvalidAccountHint)

	makeReady(t, s, factory)
	_, err = s.RequestPairingCode(context.Background(), "201000000000")
	require.ErrorIs(t, err, ErrAlreadyReady)
}

func TestQuerySurface(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	factory := &clienttest.Factory{
		Configure: func(_ int, f *clienttest.Fake) {
			f.ContactList = []client.Contact{{ID: "a@c.us", Number: "1"}}
			f.ChatList = []client.Chat{
				{ID: "old", LastMessageAt: base.Add(-time.Hour)},
				{ID: "pinned", Pinned: true, LastMessageAt: base.Add(-2 * time.Hour)},
				{ID: "new", LastMessageAt: base},
			}
		},
	}
	s, _ := newTestSession(t, factory, nil)

	_, err := s.Contacts(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	s.now = func() time.Time { return base }
	makeReady(t, s, factory)

	contacts, err := s.Contacts(context.Background())
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	pinned, err := s.PinnedChats(context.Background())
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, "pinned", pinned[0].ID)

	recent, err := s.RecentChats(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].ID)
	assert.Equal(t, "old", recent[1].ID)

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	details := s.Details()
	assert.Equal(t, state.PhaseReady, details.Phase)
	assert.Equal(t, int64(90), details.UptimeSeconds)
	require.NotNil(t, details.Identity)
}
