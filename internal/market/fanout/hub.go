// Package fanout delivers marketplace events to live subscribers over named
// channels. Every channel numbers its events with its own sequence, delivery
// to a subscriber never blocks the publisher, and a subscriber sitting on
// several channels an event is routed to receives it once.
package fanout

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-subscriber buffer
const DefaultBufferSize = 64

// Message is one delivery to one subscription. Seqs holds the sequence number
// the event received on each of the subscription's channels it was routed to.
type Message struct {
	Kind        Kind              `json:"kind"`
	Seqs        map[string]uint64 `json:"seqs"`
	Event       Event             `json:"event"`
	PublishedAt time.Time         `json:"published_at"`
}

// channelState lives only while the channel has subscribers; its sequence
// starts over when the channel is opened again
type channelState struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[string]*Subscription
	removed bool
}

// Hub routes events to subscriptions
type Hub struct {
	logger     *slog.Logger
	bufferSize int
	now        func() time.Time

	mu       sync.RWMutex
	channels map[string]*channelState
	subs     map[string]*Subscription

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Hub
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer size
func WithBufferSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		channels:   make(map[string]*channelState),
		subs:       make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) channel(name string) *channelState {
	h.mu.RLock()
	c, ok := h.channels[name]
	h.mu.RUnlock()
	if ok {
		return c
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok = h.channels[name]; !ok {
		c = &channelState{subs: make(map[string]*Subscription)}
		h.channels[name] = c
	}
	return c
}

// release drops the channel once its last subscriber left
func (h *Hub) release(name string, st *channelState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.subs) == 0 && h.channels[name] == st {
		st.removed = true
		delete(h.channels, name)
	}
}

// Publish assigns the event the next sequence number on each target channel
// that has subscribers and hands it to every subscription on those channels.
// With no explicit channels the event's own routing is used. It returns the
// assigned sequence numbers.
func (h *Hub) Publish(evt Event, channels ...string) map[string]uint64 {
	if len(channels) == 0 {
		channels = evt.Channels()
	}
	names := dedupeSorted(channels)

	h.mu.RLock()
	open := make([]string, 0, len(names))
	states := make([]*channelState, 0, len(names))
	for _, name := range names {
		if st, ok := h.channels[name]; ok {
			open = append(open, name)
			states = append(states, st)
		}
	}
	h.mu.RUnlock()

	// Channel locks are always taken in name order
	for _, st := range states {
		st.mu.Lock()
	}
	defer func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}()

	now := h.now()
	seqs := make(map[string]uint64, len(open))
	deliveries := make(map[string]*Message)
	order := make([]*Subscription, 0)
	for i, name := range open {
		st := states[i]
		if st.removed {
			continue
		}
		st.seq++
		seqs[name] = st.seq
		for id, sub := range st.subs {
			msg, ok := deliveries[id]
			if !ok {
				msg = &Message{Kind: evt.Kind(), Seqs: make(map[string]uint64, 1), Event: evt, PublishedAt: now}
				deliveries[id] = msg
				order = append(order, sub)
			}
			msg.Seqs[name] = st.seq
		}
	}

	h.published.Add(1)
	for _, sub := range order {
		if sub.send(*deliveries[sub.id]) {
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
	return seqs
}

// Subscribe opens a subscription on the given channels
func (h *Hub) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		ch:       make(chan Message, h.bufferSize),
		channels: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	for _, name := range channels {
		h.Join(sub, name)
	}

	h.logger.Debug("Subscription opened",
		slog.String("subscription_id", sub.id),
		slog.Any("channels", channels),
	)
	return sub
}

// Join adds a channel to an open subscription
func (h *Hub) Join(sub *Subscription, name string) {
	if sub.closed.Load() {
		return
	}
	for {
		st := h.channel(name)
		st.mu.Lock()
		if st.removed {
			// released between lookup and lock
			st.mu.Unlock()
			continue
		}
		st.subs[sub.id] = sub
		st.mu.Unlock()
		break
	}
	sub.addChannel(name)
}

// Leave removes a channel from a subscription; the subscription stays open
func (h *Hub) Leave(sub *Subscription, name string) {
	h.mu.RLock()
	st, ok := h.channels[name]
	h.mu.RUnlock()
	if ok {
		st.mu.Lock()
		delete(st.subs, sub.id)
		empty := len(st.subs) == 0
		st.mu.Unlock()
		if empty {
			h.release(name, st)
		}
	}
	sub.removeChannel(name)
}

// Unsubscribe detaches the subscription from every channel and closes it
func (h *Hub) Unsubscribe(sub *Subscription) {
	for _, name := range sub.Channels() {
		h.Leave(sub, name)
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close()

	h.logger.Debug("Subscription closed",
		slog.String("subscription_id", sub.id),
		slog.Uint64("dropped", sub.Dropped()),
	)
}

// Close ends every open subscription
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.Unsubscribe(s)
	}
}

// Stats is a point-in-time view of hub counters
type Stats struct {
	Channels      int   `json:"channels"`
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
}

// Stats returns hub counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Channels:      len(h.channels),
		Subscriptions: len(h.subs),
		Published:     h.published.Load(),
		Delivered:     h.delivered.Load(),
		Dropped:       h.dropped.Load(),
	}
}

func dedupeSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subscription is a bounded inbox fed by one or more channels
type Subscription struct {
	id      string
	ch      chan Message
	dropped atomic.Uint64
	closed  atomic.Bool

	// sendMu keeps close from racing an in-flight send
	sendMu sync.RWMutex

	mu       sync.RWMutex
	channels map[string]struct{}
}

// ID returns the subscription identifier
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel; it is closed on unsubscribe
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped returns how many messages were discarded because the buffer was full
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Channels returns the channel names the subscription listens on
func (s *Subscription) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Subscription) addChannel(name string) {
	s.mu.Lock()
	s.channels[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscription) removeChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

// send never blocks; a full buffer drops the message
func (s *Subscription) send(msg Message) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
