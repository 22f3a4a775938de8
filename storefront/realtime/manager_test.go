package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
	"github.com/R3E-Network/storefront_transport/storefront/realtime"
	"github.com/R3E-Network/storefront_transport/storefront/realtime/realtimetest"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type harness struct {
	transport *realtimetest.ScriptedTransport
	clock     *realtimetest.FakeClock
	manager   *realtime.Manager

	mu          sync.Mutex
	transitions []string
}

func newHarness(t *testing.T, mutate func(*realtime.Config)) *harness {
	t.Helper()
	h := &harness{
		transport: realtimetest.NewScriptedTransport(),
		clock:     realtimetest.NewFakeClock(time.Unix(1700000000, 0)),
	}
	cfg := realtime.Config{
		URLTemplate:          "wss://storefront.example.com/chat/{identity}",
		MaxReconnectAttempts: 3,
		Backoff:              client.FixedBackoff{Delay: time.Second},
		Clock:                h.clock,
		Logger:               logger.NewDiscard("realtime-test"),
		OnStateChange: func(from, to realtime.State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, from.String()+">"+to.String())
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := realtime.NewManager(h.transport, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	h.manager = m
	return h
}

func (h *harness) waitState(t *testing.T, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.manager.State() == want }, waitFor, tick,
		"state never became %s (now %s)", want, h.manager.State())
}

// waitReconnectScheduled waits until the manager is Reconnecting with its timer armed.
func (h *harness) waitReconnectScheduled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.State() == realtime.StateReconnecting && h.clock.Pending() == 1
	}, waitFor, tick)
}

func (h *harness) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.transitions))
	copy(out, h.transitions)
	return out
}

type recorder struct {
	mu   sync.Mutex
	msgs []realtime.Message
	errs []error
}

func (r *recorder) onMessage(m realtime.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) messages() []realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Message(nil), r.msgs...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := realtime.NewManager(nil, realtime.Config{URLTemplate: "wss://x"})
	assert.Error(t, err)

	_, err = realtime.NewManager(realtimetest.NewScriptedTransport(), realtime.Config{})
	assert.Error(t, err)
}

func TestOpenTwiceDialsOnce(t *testing.T) {
	h := newHarness(t, nil)

	h.manager.Open("alice")
	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	h.manager.Open("alice")

	assert.Equal(t, 1, h.transport.Dials())
	assert.Equal(t, "alice", h.manager.Identity())
	assert.Equal(t, []string{"disconnected>connecting", "connecting>connected"}, h.history())
}

func TestOpenForAnotherIdentityWhileActiveIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	h.manager.Open("bob")

	assert.Equal(t, 1, h.transport.Dials())
	assert.Equal(t, "alice", h.manager.Identity())
}

func TestOpenBuildsEndpointAndAttachesCredential(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.Credentials = client.StaticCredential("session-token")
	})

	h.manager.Open("user 42")
	h.waitState(t, realtime.StateConnected)

	dial := h.transport.LastDial()
	assert.Equal(t, "wss://storefront.example.com/chat/user%2042", dial.Endpoint)
	assert.Equal(t, "Bearer session-token", dial.Header.Get("Authorization"))
}

func TestOpenWithoutCredentialOmitsHeader(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.Credentials = client.CredentialFunc(func(_ context.Context) (string, error) {
			return "", errors.New("not signed in")
		})
	})

	h.manager.Open("guest")
	h.waitState(t, realtime.StateConnected)

	assert.Empty(t, h.transport.LastDial().Header.Get("Authorization"))
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.FailAlways(errors.New("refused"))

	h.manager.Open("alice")
	h.waitReconnectScheduled(t)

	h.manager.Close()
	assert.Equal(t, realtime.StateDisconnected, h.manager.State())
	assert.Equal(t, 0, h.clock.Pending())

	before := h.history()
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, realtime.StateDisconnected, h.manager.State())
	assert.Equal(t, 1, h.transport.Dials())
	assert.Equal(t, before, h.history())
	assert.NotContains(t, h.history(), "reconnecting>connecting")
}

func TestCloseIsIdempotentAndReleasesChannel(t *testing.T) {
	h := newHarness(t, nil)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	ch := h.transport.Latest()
	require.NotNil(t, ch)

	h.manager.Close()
	h.manager.Close()

	assert.True(t, ch.Closed())
	assert.Equal(t, realtime.StateDisconnected, h.manager.State())
	assert.Equal(t, []string{
		"disconnected>connecting",
		"connecting>connected",
		"connected>disconnected",
	}, h.history())
}

func TestReconnectCeilingFailsAndReopenResets(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.MaxReconnectAttempts = 2
	})
	var rec recorder
	h.manager.Subscribe(rec.onMessage, rec.onError)
	h.transport.FailAlways(errors.New("refused"))

	h.manager.Open("alice")
	h.waitReconnectScheduled(t)
	assert.Equal(t, 0, h.manager.Attempt())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.transport.Dials() == 2 }, waitFor, tick)
	h.waitReconnectScheduled(t)
	assert.Equal(t, 1, h.manager.Attempt())

	h.clock.Advance(time.Second)
	h.waitState(t, realtime.StateFailed)
	assert.Equal(t, 3, h.transport.Dials())
	assert.Equal(t, 2, h.manager.Attempt())
	assert.Equal(t, 0, h.clock.Pending())

	require.Eventually(t, func() bool { return len(rec.errors()) == 3 }, waitFor, tick)
	for _, err := range rec.errors() {
		var cerr *realtime.ChannelError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "connect", cerr.Op)
	}

	h.transport.FailAlways(nil)
	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	assert.Equal(t, 0, h.manager.Attempt())
	assert.Equal(t, 4, h.transport.Dials())
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	h := newHarness(t, nil)
	var rec recorder
	h.manager.Subscribe(rec.onMessage, rec.onError)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	first := h.transport.Latest()

	require.True(t, first.Drop(errors.New("reset by peer")))
	h.waitReconnectScheduled(t)

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitFor, tick)
	var cerr *realtime.ChannelError
	require.True(t, errors.As(rec.errors()[0], &cerr))
	assert.Equal(t, "receive", cerr.Op)

	h.clock.Advance(time.Second)
	h.waitState(t, realtime.StateConnected)
	assert.Equal(t, 2, h.transport.Channels())
	assert.NotSame(t, first, h.transport.Latest())

	// The budget comes back only once the new channel has stayed up.
	assert.Equal(t, 1, h.manager.Attempt())
	assert.Equal(t, 1, h.clock.Pending())
	h.clock.Advance(realtime.DefaultStableAfter)
	assert.Equal(t, 0, h.manager.Attempt())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestFlappingPeerStillReachesCeiling(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.MaxReconnectAttempts = 2
	})

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	for i := 0; i < 2; i++ {
		require.True(t, h.transport.Latest().Drop(errors.New("accepted then dropped")))
		h.waitReconnectScheduled(t)
		h.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return h.transport.Channels() == i+2 }, waitFor, tick)
		h.waitState(t, realtime.StateConnected)
		assert.Equal(t, i+1, h.manager.Attempt())
	}

	require.True(t, h.transport.Latest().Drop(errors.New("accepted then dropped")))
	h.waitState(t, realtime.StateFailed)
	assert.Equal(t, 3, h.transport.Channels())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestStableAfterNegativeResetsOnConnect(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.StableAfter = -1
	})

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	require.True(t, h.transport.Latest().Drop(errors.New("reset by peer")))
	h.waitReconnectScheduled(t)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.transport.Channels() == 2 }, waitFor, tick)
	h.waitState(t, realtime.StateConnected)

	assert.Equal(t, 0, h.manager.Attempt())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestMessageQueuedBehindCloseIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var rec recorder
	h.manager.Subscribe(func(msg realtime.Message) {
		rec.onMessage(msg)
		if msg.Text == "first" {
			close(started)
			<-release
			h.manager.Close()
		}
	}, nil)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	ch := h.transport.Latest()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Deliver(realtime.NewMessage(realtime.KindAssistant, "first", time.Now()))
	}()
	<-started

	// Delivery of "first" is still running, so "second" is queued behind it.
	require.True(t, ch.Deliver(realtime.NewMessage(realtime.KindAssistant, "second", time.Now())))
	close(release)
	<-done

	assert.Equal(t, realtime.StateDisconnected, h.manager.State())
	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Text)
}

func TestStaleChannelCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	var rec recorder
	h.manager.Subscribe(rec.onMessage, rec.onError)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	old := h.transport.Latest()

	h.manager.Close()
	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	require.True(t, old.Deliver(realtime.NewMessage(realtime.KindAssistant, "stale", time.Now())))
	require.True(t, old.Drop(nil))

	assert.Equal(t, realtime.StateConnected, h.manager.State())
	assert.Empty(t, rec.messages())
	assert.Empty(t, rec.errors())
}

func TestInboundMessagesReachSubscribersInOrder(t *testing.T) {
	h := newHarness(t, nil)
	var a, b recorder
	h.manager.Subscribe(a.onMessage, a.onError)
	h.manager.Subscribe(b.onMessage, b.onError)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	at := time.UnixMilli(1700000000000)
	sent := []realtime.Message{
		realtime.NewMessage(realtime.KindSystem, "welcome", at),
		realtime.NewMessage(realtime.KindAssistant, "how can I help?", at.Add(time.Second)),
		realtime.NewMessage(realtime.KindError, "rate limited", at.Add(2*time.Second)),
	}
	require.True(t, h.transport.Latest().Deliver(sent...))

	assert.Equal(t, sent, a.messages())
	assert.Equal(t, sent, b.messages())
	assert.Empty(t, a.errors())
	assert.Empty(t, b.errors())
}

func TestLateSubscriberSeesOnlyLaterMessages(t *testing.T) {
	h := newHarness(t, nil)
	var early, late recorder
	h.manager.Subscribe(early.onMessage, nil)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)
	ch := h.transport.Latest()

	require.True(t, ch.Deliver(realtime.NewMessage(realtime.KindSystem, "one", time.Now())))
	h.manager.Subscribe(late.onMessage, nil)
	require.True(t, ch.Deliver(realtime.NewMessage(realtime.KindSystem, "two", time.Now())))

	assert.Len(t, early.messages(), 2)
	require.Len(t, late.messages(), 1)
	assert.Equal(t, "two", late.messages()[0].Text)
}

func TestCancelledSubscriptionStopsReceiving(t *testing.T) {
	h := newHarness(t, nil)
	var rec recorder
	sub := h.manager.Subscribe(rec.onMessage, rec.onError)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	sub.Cancel()
	sub.Cancel()
	require.True(t, h.transport.Latest().Deliver(realtime.NewMessage(realtime.KindSystem, "x", time.Now())))
	assert.Empty(t, rec.messages())
}

func TestSendWhenConnected(t *testing.T) {
	h := newHarness(t, nil)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	h.manager.Send("hello")
	h.manager.Send("world")

	sent := h.transport.Latest().Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, realtime.KindUser, sent[0].Kind)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, "world", sent[1].Text)
	assert.Equal(t, h.clock.Now().UnixMilli(), sent[0].Timestamp)
}

func TestSendWhenDisconnectedReportsChannelError(t *testing.T) {
	h := newHarness(t, nil)
	var rec recorder
	h.manager.Subscribe(rec.onMessage, rec.onError)

	h.manager.Send("hello")

	errs := rec.errors()
	require.Len(t, errs, 1)
	var cerr *realtime.ChannelError
	require.True(t, errors.As(errs[0], &cerr))
	assert.Equal(t, "send", cerr.Op)
	assert.True(t, errors.Is(errs[0], realtime.ErrNotConnected))
	assert.Equal(t, 0, h.transport.Dials())
}

func TestSendFailureReportsChannelError(t *testing.T) {
	h := newHarness(t, nil)
	var rec recorder
	h.manager.Subscribe(rec.onMessage, rec.onError)

	h.manager.Open("alice")
	h.waitState(t, realtime.StateConnected)

	writeErr := errors.New("broken pipe")
	h.transport.Latest().FailSends(writeErr)
	h.manager.Send("hello")

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], writeErr))
	assert.Equal(t, realtime.StateConnected, h.manager.State())
}

func TestExponentialBackoffDrivesReconnectDelay(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.Backoff = client.NewExponentialBackoff(time.Second, 2, time.Minute, 0)
	})
	h.transport.FailAlways(errors.New("refused"))

	h.manager.Open("alice")
	h.waitReconnectScheduled(t)
	deadline, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, time.Second, deadline.Sub(h.clock.Now()))

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.transport.Dials() == 2 }, waitFor, tick)
	h.waitReconnectScheduled(t)
	deadline, ok = h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, deadline.Sub(h.clock.Now()))

	h.clock.Advance(time.Second)
	assert.Equal(t, realtime.StateReconnecting, h.manager.State())
	assert.Equal(t, 2, h.transport.Dials())
}

func TestDisabledReconnectFailsOnFirstLoss(t *testing.T) {
	h := newHarness(t, func(cfg *realtime.Config) {
		cfg.MaxReconnectAttempts = -1
	})
	h.transport.FailNext(errors.New("refused"))

	h.manager.Open("alice")
	h.waitState(t, realtime.StateFailed)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestBuildEndpoint(t *testing.T) {
	got, err := realtime.BuildEndpoint("wss://api.example.com/chat/{identity}", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/chat/a%2Fb", got)

	got, err = realtime.BuildEndpoint("wss://api.example.com/chat?room=1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/chat?identity=alice&room=1", got)
}
