// Package realtime maintains a duplex message channel to the storefront backend with
// explicit connection states, automatic reconnection and ordered delivery.
//
// A Manager owns at most one channel. Open is idempotent while a channel is being
// established or is live; Close cancels everything, including a pending reconnect.
// Every Open and Close bumps a generation counter so timers, dial results and channel
// callbacks belonging to an earlier generation recognize themselves as stale.
package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/storefront_transport/internal/metrics"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
)

const (
	// IdentityPlaceholder is replaced in Config.URLTemplate with the session identity.
	IdentityPlaceholder = "{identity}"

	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultStableAfter          = 5 * time.Second
)

// Config configures a Manager. All values come from the embedding application.
type Config struct {
	// URLTemplate is the realtime endpoint, e.g. wss://api.example.com/chat/{identity}.
	// Without a placeholder the identity is added as the "identity" query parameter.
	URLTemplate string
	// MaxReconnectAttempts is the reconnect ceiling. Zero means the default; a
	// negative value disables reconnection.
	MaxReconnectAttempts int
	// Backoff computes the delay before reconnect attempt N. Defaults to a fixed delay.
	Backoff client.BackoffPolicy
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// StableAfter is how long a reconnected channel must stay up before the attempt
	// counter resets. Zero means DefaultStableAfter; negative resets on connect.
	StableAfter time.Duration
	// Credentials supplies the bearer credential sent when connecting. Optional.
	Credentials client.CredentialProvider
	Clock       Clock
	Logger      *logger.Logger
	// OnStateChange observes every transition. It runs outside the manager lock and
	// may be invoked from different goroutines.
	OnStateChange func(from, to State)
}

type transition struct {
	from, to State
}

// Manager is a realtime session.
type Manager struct {
	transport ChannelTransport
	cfg       Config
	clock     Clock
	backoff   client.BackoffPolicy
	log       *logger.Logger

	dispatcher *Dispatcher

	mu       sync.Mutex
	sm       *StateMachine
	identity string
	epoch    uint64
	channel  Channel
	timer    Timer
	stable   Timer
	notes    []transition
}

// NewManager creates a disconnected manager.
func NewManager(transport ChannelTransport, cfg Config) (*Manager, error) {
	if transport == nil {
		return nil, errorf("transport is required")
	}
	if strings.TrimSpace(cfg.URLTemplate) == "" {
		return nil, errorf("URL template is required")
	}

	maxAttempts := cfg.MaxReconnectAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = DefaultMaxReconnectAttempts
	case maxAttempts < 0:
		maxAttempts = 0
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StableAfter == 0 {
		cfg.StableAfter = DefaultStableAfter
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = client.FixedBackoff{Delay: DefaultReconnectDelay}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("realtime")
	}

	m := &Manager{
		transport:  transport,
		cfg:        cfg,
		clock:      clock,
		backoff:    backoff,
		log:        log,
		dispatcher: NewDispatcher(log),
	}
	m.sm = NewStateMachine(maxAttempts, m.recordTransition)
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.State()
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.Attempt()
}

// Identity returns the identity passed to the last effective Open.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Subscribe registers callbacks for inbound messages and channel errors.
func (m *Manager) Subscribe(onMessage func(Message), onError func(error)) *Subscription {
	return m.dispatcher.Subscribe(onMessage, onError)
}

// Open starts a session for identity. It is a no-op while the session is
// connecting, connected or waiting to reconnect. From Disconnected or Failed it
// resets the attempt counter and connects in the background.
func (m *Manager) Open(identity string) {
	m.mu.Lock()
	switch st := m.sm.State(); st {
	case StateConnecting, StateConnected, StateReconnecting:
		if identity != m.identity {
			m.log.WithFields(map[string]interface{}{
				"identity":  m.identity,
				"requested": identity,
				"state":     st.String(),
			}).Warn("open ignored: session already active for another identity")
		}
		m.mu.Unlock()
		return
	}

	if err := m.sm.Open(); err != nil {
		m.mu.Unlock()
		m.log.WithError(err).Error("open rejected")
		return
	}
	m.epoch++
	m.identity = identity
	epoch := m.epoch
	m.unlockAndNotify()

	go m.connect(epoch)
}

// Close ends the session: the state becomes Disconnected, any pending reconnect is
// cancelled and the channel is released. No inbound message from the closed channel
// starts delivery after Close returns. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopStableLocked()
	ch := m.channel
	m.channel = nil
	m.sm.Close()
	m.unlockAndNotify()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.log.WithError(err).Debug("channel close returned error")
		}
	}
}

// Send forwards text as a user message. Outside the Connected state, or when the
// write fails, a *ChannelError is delivered to subscribers instead. Messages are
// never queued.
func (m *Manager) Send(text string) {
	m.SendMessage(NewMessage(KindUser, text, m.clock.Now()))
}

// SendMessage forwards msg unchanged. See Send.
func (m *Manager) SendMessage(msg Message) {
	m.mu.Lock()
	ch := m.channel
	state := m.sm.State()
	m.mu.Unlock()

	if state != StateConnected || ch == nil {
		m.dispatcher.DispatchError(&ChannelError{Op: "send", Timestamp: m.clock.Now(), Err: ErrNotConnected})
		return
	}
	if err := ch.Send(msg); err != nil {
		m.log.WithError(err).Warn("realtime send failed")
		m.dispatcher.DispatchError(&ChannelError{Op: "send", Timestamp: m.clock.Now(), Err: err})
		return
	}
	metrics.RecordMessage("outbound", string(msg.Kind))
}

// connect performs one connection attempt for generation epoch.
func (m *Manager) connect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.sm.State() != StateConnecting {
		m.mu.Unlock()
		return
	}
	identity := m.identity
	attempt := m.sm.Attempt()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	ctx = logger.WithIdentity(ctx, identity)

	header := http.Header{}
	if token := m.credential(ctx); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	endpoint, err := BuildEndpoint(m.cfg.URLTemplate, identity)
	var ch Channel
	if err == nil {
		ch, err = m.transport.Connect(ctx, endpoint, header)
	}

	m.mu.Lock()
	if epoch != m.epoch || m.sm.State() != StateConnecting {
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}

	if err != nil {
		cerr := &ChannelError{Op: "connect", Attempt: attempt, Timestamp: m.clock.Now(), Err: err}
		m.log.WithContext(ctx).WithError(err).WithField("attempt", attempt).Warn("realtime connect failed")
		m.handleLossLocked()
		m.unlockAndNotify()
		m.dispatcher.DispatchError(cerr)
		return
	}

	m.channel = ch
	if err := m.sm.Established(); err != nil {
		m.log.WithError(err).Error("unexpected state after connect")
	}
	m.armStableLocked(epoch, ch)
	m.unlockAndNotify()

	m.log.WithContext(ctx).Info("realtime channel established")
	ch.Listen(&channelHandler{m: m, epoch: epoch, ch: ch})
}

// handleLossLocked moves to Reconnecting or Failed and schedules the reconnect timer.
// m.mu must be held.
func (m *Manager) handleLossLocked() {
	m.stopStableLocked()
	to, err := m.sm.Lost()
	if err != nil {
		m.log.WithError(err).Error("unexpected state on channel loss")
		return
	}
	if to != StateReconnecting {
		m.log.WithFields(map[string]interface{}{
			"identity":     m.identity,
			"max_attempts": m.sm.MaxAttempts(),
		}).Error("realtime reconnect attempts exhausted")
		return
	}

	next := m.sm.Attempt() + 1
	delay := m.backoff.NextDelay(next)
	epoch := m.epoch
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(epoch) })
	metrics.RecordReconnectScheduled()

	m.log.WithFields(map[string]interface{}{
		"identity": m.identity,
		"attempt":  next,
		"delay":    delay.String(),
	}).Info("realtime reconnect scheduled")
}

// armStableLocked resets the attempt counter once ch has stayed up for StableAfter.
// m.mu must be held.
func (m *Manager) armStableLocked(epoch uint64, ch Channel) {
	if m.sm.Attempt() == 0 {
		return
	}
	if m.cfg.StableAfter < 0 {
		m.sm.ResetAttempts()
		return
	}
	m.stopStableLocked()
	m.stable = m.clock.AfterFunc(m.cfg.StableAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.channel != ch || m.sm.State() != StateConnected {
			return
		}
		m.stable = nil
		m.sm.ResetAttempts()
		m.log.WithField("identity", m.identity).Debug("realtime channel stable; reconnect budget restored")
	})
}

func (m *Manager) stopStableLocked() {
	if m.stable != nil {
		m.stable.Stop()
		m.stable = nil
	}
}

// reconnect fires when the backoff timer elapses.
func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.sm.State() != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if err := m.sm.BackoffElapsed(); err != nil {
		m.mu.Unlock()
		m.log.WithError(err).Error("unexpected state on reconnect")
		return
	}
	m.unlockAndNotify()

	go m.connect(epoch)
}

func (m *Manager) credential(ctx context.Context) string {
	if m.cfg.Credentials == nil {
		return ""
	}
	token, err := m.cfg.Credentials.FetchCredential(ctx)
	if err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("credential fetch failed; connecting unauthenticated")
		return ""
	}
	return strings.TrimSpace(token)
}

// recordTransition is the state machine hook. m.mu is held.
func (m *Manager) recordTransition(from, to State) {
	metrics.RecordTransition(from.String(), to.String())
	m.log.WithFields(map[string]interface{}{
		"from":     from.String(),
		"to":       to.String(),
		"identity": m.identity,
	}).Debug("realtime state transition")
	if m.cfg.OnStateChange != nil {
		m.notes = append(m.notes, transition{from: from, to: to})
	}
}

// unlockAndNotify releases m.mu and then runs OnStateChange for queued transitions.
func (m *Manager) unlockAndNotify() {
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()

	for _, n := range notes {
		m.cfg.OnStateChange(n.from, n.to)
	}
}

// channelHandler binds inbound traffic to the channel and generation it belongs to.
type channelHandler struct {
	m     *Manager
	epoch uint64
	ch    Channel
}

func (h *channelHandler) current() bool {
	return h.epoch == h.m.epoch && h.m.channel == h.ch
}

func (h *channelHandler) HandleMessage(msg Message) {
	if !h.live() {
		return
	}
	metrics.RecordMessage("inbound", string(msg.Kind))
	// Re-checked at delivery so a frame queued behind a Close is dropped.
	h.m.dispatcher.dispatchWhile(msg, h.live)
}

func (h *channelHandler) live() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.current()
}

func (h *channelHandler) HandleClose(err error) {
	m := h.m
	m.mu.Lock()
	if !h.current() {
		m.mu.Unlock()
		return
	}
	m.channel = nil
	cerr := &ChannelError{Op: "receive", Attempt: m.sm.Attempt(), Timestamp: m.clock.Now(), Err: err}
	if cerr.Err == nil {
		cerr.Err = errChannelClosed
	}
	m.log.WithError(cerr.Err).WithField("identity", m.identity).Warn("realtime channel closed unexpectedly")
	m.handleLossLocked()
	m.unlockAndNotify()

	m.dispatcher.DispatchError(cerr)
}

// BuildEndpoint substitutes identity into template.
func BuildEndpoint(template, identity string) (string, error) {
	if strings.Contains(template, IdentityPlaceholder) {
		endpoint := strings.ReplaceAll(template, IdentityPlaceholder, url.PathEscape(identity))
		if _, err := url.Parse(endpoint); err != nil {
			return "", errorf("parse realtime endpoint: %v", err)
		}
		return endpoint, nil
	}

	u, err := url.Parse(template)
	if err != nil {
		return "", errorf("parse realtime endpoint: %v", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
