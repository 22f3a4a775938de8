package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/R3E-Network/storefront_transport/internal/metrics"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

// Subscription is a registered (onMessage, onError) pair.
type Subscription struct {
	id         string
	onMessage  func(Message)
	onError    func(error)
	dispatcher *Dispatcher
	cancelled  atomic.Bool
}

// ID returns the subscription's unique ID.
func (s *Subscription) ID() string { return s.id }

// Cancel stops delivery to this subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.dispatcher.remove(s)
}

type delivery struct {
	msg  Message
	err  error
	subs []*Subscription
	// live, when set, is consulted as the delivery starts; false drops it.
	live func() bool
}

// Dispatcher fans inbound messages out to subscriptions. Messages are delivered in
// the order they were dispatched, each to every subscriber (in registration order)
// before the next one starts. A subscriber registered after a message was dispatched
// never sees it.
type Dispatcher struct {
	mu   sync.Mutex
	subs []*Subscription

	qmu      sync.Mutex
	queue    []delivery
	draining bool

	log *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("realtime-dispatcher")
	}
	return &Dispatcher{log: log}
}

// Subscribe registers callbacks. Either may be nil.
func (d *Dispatcher) Subscribe(onMessage func(Message), onError func(error)) *Subscription {
	s := &Subscription{
		id:         uuid.New().String(),
		onMessage:  onMessage,
		onError:    onError,
		dispatcher: d,
	}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s
}

// Len returns the number of active subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Dispatcher) remove(target *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s == target {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) snapshot() []*Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Subscription, len(d.subs))
	copy(out, d.subs)
	return out
}

// Dispatch delivers msg to every current subscriber's onMessage.
func (d *Dispatcher) Dispatch(msg Message) {
	d.enqueue(delivery{msg: msg, subs: d.snapshot()})
}

// dispatchWhile is Dispatch for traffic that may go stale while queued: msg is
// dropped if live reports false when its turn comes.
func (d *Dispatcher) dispatchWhile(msg Message, live func() bool) {
	d.enqueue(delivery{msg: msg, subs: d.snapshot(), live: live})
}

// DispatchError delivers err to every current subscriber's onError.
func (d *Dispatcher) DispatchError(err error) {
	if err == nil {
		return
	}
	d.enqueue(delivery{err: err, subs: d.snapshot()})
}

// enqueue appends to the queue and drains it unless another call already is.
// A callback that dispatches re-entrantly therefore queues behind the current
// delivery instead of interleaving with it.
func (d *Dispatcher) enqueue(item delivery) {
	d.qmu.Lock()
	d.queue = append(d.queue, item)
	if d.draining {
		d.qmu.Unlock()
		return
	}
	d.draining = true

	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue[0] = delivery{}
		d.queue = d.queue[1:]
		d.qmu.Unlock()

		d.deliver(next)

		d.qmu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.qmu.Unlock()
}

func (d *Dispatcher) deliver(item delivery) {
	if item.live != nil && !item.live() {
		return
	}
	for _, s := range item.subs {
		if s.cancelled.Load() {
			continue
		}
		if item.err != nil {
			if s.onError != nil {
				d.invoke(s, func() { s.onError(item.err) })
			}
			continue
		}
		if s.onMessage != nil {
			d.invoke(s, func() { s.onMessage(item.msg) })
		}
	}
}

// invoke isolates one subscriber callback.
func (d *Dispatcher) invoke(s *Subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSubscriberPanic()
			d.log.WithFields(map[string]interface{}{
				"subscription": s.id,
				"panic":        fmt.Sprint(r),
			}).Error("realtime subscriber panicked")
		}
	}()
	fn()
}
