// Package realtimetest provides a scripted ChannelTransport and a fake clock for
// exercising realtime.Manager without a network.
package realtimetest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

// ErrScriptedRefused is the default connect failure.
var ErrScriptedRefused = errors.New("scripted: connection refused")

// Dial records one Connect call.
type Dial struct {
	Endpoint string
	Header   http.Header
}

// ScriptedTransport answers Connect from a script of queued failures. When the
// queue is empty it fails with the FailAlways error if set, otherwise it succeeds.
type ScriptedTransport struct {
	mu        sync.Mutex
	dials     []Dial
	failures  []error
	failAll   error
	channels  []*ScriptedChannel
	connected chan *ScriptedChannel
}

// NewScriptedTransport creates a transport whose connects succeed.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{connected: make(chan *ScriptedChannel, 64)}
}

// FailNext queues connect failures consumed by subsequent Connect calls.
func (t *ScriptedTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, err := range errs {
		if err == nil {
			err = ErrScriptedRefused
		}
		t.failures = append(t.failures, err)
	}
}

// FailAlways makes every Connect fail with err once queued failures are consumed.
// Passing nil restores success.
func (t *ScriptedTransport) FailAlways(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

// Connect implements realtime.ChannelTransport.
func (t *ScriptedTransport) Connect(ctx context.Context, endpoint string, header http.Header) (realtime.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials = append(t.dials, Dial{Endpoint: endpoint, Header: header.Clone()})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}
	if t.failAll != nil {
		return nil, t.failAll
	}

	ch := newScriptedChannel()
	t.channels = append(t.channels, ch)
	select {
	case t.connected <- ch:
	default:
	}
	return ch, nil
}

// Dials returns the number of Connect calls.
func (t *ScriptedTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

// LastDial returns the most recent Connect call.
func (t *ScriptedTransport) LastDial() Dial {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dials) == 0 {
		return Dial{}
	}
	return t.dials[len(t.dials)-1]
}

// Channels returns the number of successfully established channels.
func (t *ScriptedTransport) Channels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Latest returns the most recently established channel, or nil.
func (t *ScriptedTransport) Latest() *ScriptedChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

// WaitChannel returns the next established channel or nil after timeout.
func (t *ScriptedTransport) WaitChannel(timeout time.Duration) *ScriptedChannel {
	select {
	case ch := <-t.connected:
		return ch
	case <-time.After(timeout):
		return nil
	}
}

// ScriptedChannel is a channel whose inbound side is driven by the test.
type ScriptedChannel struct {
	mu        sync.Mutex
	handler   realtime.ChannelHandler
	listening chan struct{}
	sent      []realtime.Message
	sendErr   error
	closed    bool
	ended     bool
}

func newScriptedChannel() *ScriptedChannel {
	return &ScriptedChannel{listening: make(chan struct{})}
}

// Listen implements realtime.Channel.
func (c *ScriptedChannel) Listen(h realtime.ChannelHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return
	}
	c.handler = h
	close(c.listening)
}

// Send implements realtime.Channel.
func (c *ScriptedChannel) Send(msg realtime.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close implements realtime.Channel.
func (c *ScriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes subsequent Send calls return err.
func (c *ScriptedChannel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of the messages written to the channel.
func (c *ScriptedChannel) Sent() []realtime.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether the manager released the channel.
func (c *ScriptedChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ScriptedChannel) waitHandler() (realtime.ChannelHandler, bool) {
	select {
	case <-c.listening:
	case <-time.After(5 * time.Second):
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, false
	}
	return c.handler, true
}

// Deliver pushes inbound messages in order, as the wire would. It waits for the
// manager to start listening and returns false if it never does.
func (c *ScriptedChannel) Deliver(msgs ...realtime.Message) bool {
	h, ok := c.waitHandler()
	if !ok {
		return false
	}
	for _, msg := range msgs {
		h.HandleMessage(msg)
	}
	return true
}

// Drop simulates the peer closing the channel with err.
func (c *ScriptedChannel) Drop(err error) bool {
	h, ok := c.waitHandler()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	h.HandleClose(err)
	return true
}
