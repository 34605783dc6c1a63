package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"paddlearena/server/internal/logging"
)

const (
	defaultBuffer       = 64
	defaultReliableWait = time.Second
)

// Message is one payload delivered to every subscriber of a group.
type Message struct {
	Tick    uint64
	Payload []byte
	// Lossy messages are skipped for subscribers whose buffer is full. Other messages wait
	// up to the hub's reliable wait before the subscriber is considered stalled.
	Lossy bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer overrides the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithReliableWait bounds how long a non-lossy message may wait on a slow subscriber.
func WithReliableWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.reliableWait = d
		}
	}
}

// WithLogger attaches a logger for dropped deliveries.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// Hub fans messages out to named groups, one group per match. Delivery within a group is
// ordered because publishes to a group are serialised by the group lock.
type Hub struct {
	mu           sync.Mutex
	groups       map[string]*group
	nextID       atomic.Uint64
	dropped      atomic.Uint64
	buffer       int
	reliableWait time.Duration
	log          *logging.Logger
}

type group struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	closed bool
}

// Subscription receives the messages of one group until it is closed.
type Subscription struct {
	id   uint64
	name string
	ch   chan Message
	grp  *group
	hub  *Hub
}

// NewHub constructs an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		groups:       make(map[string]*group),
		buffer:       defaultBuffer,
		reliableWait: defaultReliableWait,
		log:          logging.L(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) groupFor(name string, create bool) *group {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok && create {
		g = &group{subs: make(map[uint64]*Subscription)}
		h.groups[name] = g
	}
	return g
}

// Subscribe joins the named group.
func (h *Hub) Subscribe(name string) *Subscription {
	for {
		g := h.groupFor(name, true)
		g.mu.Lock()
		if g.closed {
			//1.- The group was torn down between lookup and lock; a fresh one will be created.
			g.mu.Unlock()
			continue
		}
		sub := &Subscription{
			id:   h.nextID.Add(1),
			name: name,
			ch:   make(chan Message, h.buffer),
			grp:  g,
			hub:  h,
		}
		g.subs[sub.id] = sub
		g.mu.Unlock()
		return sub
	}
}

// C returns the delivery channel. It is closed when the subscription or its group closes.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Group returns the name of the subscribed group.
func (s *Subscription) Group() string { return s.name }

// Close leaves the group. It is safe to call more than once and after the group closed.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	g := s.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[s.id]; !ok {
		return
	}
	delete(g.subs, s.id)
	close(s.ch)
	if len(g.subs) == 0 {
		s.hub.dropEmpty(s.name, g)
	}
}

// Publish delivers msg to every subscriber of name and returns how many accepted it.
func (h *Hub) Publish(name string, msg Message) int {
	g := h.groupFor(name, false)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delivered := 0
	for _, sub := range g.subs {
		if msg.Lossy {
			select {
			case sub.ch <- msg:
				delivered++
			default:
				h.dropped.Add(1)
			}
			continue
		}
		timer := time.NewTimer(h.reliableWait)
		select {
		case sub.ch <- msg:
			delivered++
		case <-timer.C:
			h.dropped.Add(1)
			h.log.Warn("subscriber stalled on reliable message", logging.String("group", name), logging.Int64("subscriber", int64(sub.id)))
		}
		timer.Stop()
	}
	return delivered
}

// CloseGroup closes every subscription of name and forgets the group.
func (h *Hub) CloseGroup(name string) {
	h.mu.Lock()
	g, ok := h.groups[name]
	if ok {
		delete(h.groups, name)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, sub := range g.subs {
		delete(g.subs, id)
		close(sub.ch)
	}
}

// Count returns the number of subscribers in name.
func (h *Hub) Count(name string) int {
	g := h.groupFor(name, false)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// dropEmpty forgets an empty group; callers hold g.mu.
func (h *Hub) dropEmpty(name string, g *group) {
	h.mu.Lock()
	if h.groups[name] == g {
		delete(h.groups, name)
		g.closed = true
	}
	h.mu.Unlock()
}
