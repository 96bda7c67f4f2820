// Package broadcast pushes order status events to at most one live
// subscriber per order. Delivery is best effort: events published while no
// subscriber is registered are dropped and never replayed.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/metrics"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

const defaultBuffer = 64

type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdUnsubscribe
	cmdPublish
)

type command struct {
	kind  cmdKind
	sub   *Subscription
	event order.Event
	reply chan bool
}

// Subscription is one subscriber's view of an order's status stream.
type Subscription struct {
	OrderID string

	hub    *Hub
	events chan order.Event
	done   chan struct{}
	once   sync.Once
}

// Events yields status events; it is closed when the subscription ends.
func (s *Subscription) Events() <-chan order.Event { return s.events }

// Done is closed when the hub drops the subscription (replaced, evicted,
// unsubscribed or hub shutdown).
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// end is only called from the hub loop.
func (s *Subscription) end() {
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
}

// Hub owns the order→subscriber registry. All registry mutation happens on
// the Run goroutine; callers talk to it through a command channel.
type Hub struct {
	cmds    chan command
	stopped chan struct{}
	active  atomic.Int64
	buffer  int
	clock   util.Clock
	logger  *zap.SugaredLogger

	subs map[string]*Subscription // owned by Run
}

type Options struct {
	Buffer int // per-subscriber event buffer
	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Hub{
		cmds:    make(chan command, 256),
		stopped: make(chan struct{}),
		buffer:  opts.Buffer,
		clock:   opts.Clock,
		logger:  util.OrNop(opts.Logger),
		subs:    make(map[string]*Subscription),
	}
}

// Run processes hub commands until ctx is done, then ends every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		for id, s := range h.subs {
			s.end()
			delete(h.subs, id)
		}
		h.setActive(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.cmds:
			h.handle(c)
		}
	}
}

func (h *Hub) handle(c command) {
	switch c.kind {
	case cmdSubscribe:
		if prev, ok := h.subs[c.sub.OrderID]; ok {
			prev.end()
			h.logger.Infow("subscriber_replaced", "order_id", c.sub.OrderID)
		}
		h.subs[c.sub.OrderID] = c.sub
		// Buffer is fresh, so the acknowledgment always fits.
		c.sub.events <- order.NewEvent(c.sub.OrderID, order.AckPayload{
			Message: "status stream connected",
		}, h.clock.Now())
		h.setActive(len(h.subs))
		h.logger.Infow("subscriber_connected", "order_id", c.sub.OrderID, "active", len(h.subs))
		c.reply <- true

	case cmdUnsubscribe:
		cur, ok := h.subs[c.sub.OrderID]
		removed := ok && cur == c.sub
		if removed {
			delete(h.subs, c.sub.OrderID)
			h.setActive(len(h.subs))
			h.logger.Infow("subscriber_disconnected", "order_id", c.sub.OrderID, "active", len(h.subs))
		}
		c.sub.end()
		c.reply <- removed

	case cmdPublish:
		s, ok := h.subs[c.event.OrderID]
		if !ok {
			metrics.BroadcastEvents.WithLabelValues("no_subscriber").Inc()
			h.logger.Debugw("no_active_subscriber", "order_id", c.event.OrderID, "status", c.event.Status)
			c.reply <- false
			return
		}
		select {
		case s.events <- c.event:
			metrics.BroadcastEvents.WithLabelValues("delivered").Inc()
			c.reply <- true
		default:
			// Subscriber is not keeping up; drop it rather than block the pipeline.
			delete(h.subs, c.event.OrderID)
			s.end()
			h.setActive(len(h.subs))
			metrics.BroadcastEvents.WithLabelValues("evicted").Inc()
			h.logger.Warnw("subscriber_evicted", "order_id", c.event.OrderID, "reason", "buffer_full")
			c.reply <- false
		}
	}
}

func (h *Hub) setActive(n int) {
	h.active.Store(int64(n))
	metrics.ActiveSubscribers.Set(float64(n))
}

func (h *Hub) send(c command) bool {
	c.reply = make(chan bool, 1)
	select {
	case h.cmds <- c:
	case <-h.stopped:
		return false
	}
	select {
	case ok := <-c.reply:
		return ok
	case <-h.stopped:
		return false
	}
}

// Subscribe registers a subscriber for orderID, replacing any existing one,
// and queues an immediate pending acknowledgment.
func (h *Hub) Subscribe(orderID string) *Subscription {
	s := &Subscription{
		OrderID: orderID,
		hub:     h,
		events:  make(chan order.Event, h.buffer),
		done:    make(chan struct{}),
	}
	if !h.send(command{kind: cmdSubscribe, sub: s}) {
		s.end()
	}
	return s
}

// Unsubscribe removes s if it is still the registered subscriber for its order.
func (h *Hub) Unsubscribe(s *Subscription) bool {
	return h.send(command{kind: cmdUnsubscribe, sub: s})
}

// Publish pushes a status event for orderID. It reports whether a live
// subscriber accepted it.
func (h *Hub) Publish(orderID string, p order.Payload) bool {
	return h.send(command{kind: cmdPublish, event: order.NewEvent(orderID, p, h.clock.Now())})
}

// ActiveCount is the number of live subscriptions.
func (h *Hub) ActiveCount() int { return int(h.active.Load()) }
