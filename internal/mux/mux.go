package mux

import (
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/rtbridge/internal/protocol"
)

var (
	// ErrBackpressure reports a full outbound queue. The caller retries or
	// drops per its own policy; Submit never blocks.
	ErrBackpressure = errors.New("mux: outbound queue full")

	ErrClosed = errors.New("mux: closed")
)

// Handler consumes one inbound event. Handlers run synchronously on the
// dispatch loop, so per-tag arrival order is preserved.
type Handler func(protocol.InboundEvent)

// Mux serializes outbound events onto a bounded queue and fans inbound
// events out to subscribers by tag. It also remembers outbound events that
// were sent but never acknowledged, so the client can replay them once
// after a reconnect.
type Mux struct {
	mu         sync.Mutex
	outbound   chan protocol.OutboundEvent
	handlers   map[protocol.EventType][]Handler
	unknown    []Handler
	recognized map[protocol.EventType]bool
	pending    map[string]*pendingEvent
	order      []string
	closed     bool
}

type pendingEvent struct {
	evt      protocol.OutboundEvent
	replayed bool
}

func New(queueSize int) *Mux {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Mux{
		outbound:   make(chan protocol.OutboundEvent, queueSize),
		handlers:   make(map[protocol.EventType][]Handler),
		recognized: make(map[protocol.EventType]bool),
		pending:    make(map[string]*pendingEvent),
	}
}

// Submit queues one outbound event, assigning an event ID when the caller
// did not. Fails fast with ErrBackpressure on a full queue.
func (m *Mux) Submit(evt protocol.OutboundEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	select {
	case m.outbound <- evt:
		return nil
	default:
		return ErrBackpressure
	}
}

// Outbound is consumed by the single writer loop.
func (m *Mux) Outbound() <-chan protocol.OutboundEvent {
	return m.outbound
}

// Subscribe registers a handler for one event tag.
func (m *Mux) Subscribe(tag protocol.EventType, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = append(m.handlers[tag], fn)
}

// SubscribeUnknown registers a handler for tags outside the protocol
// contract. Unknown tags are surfaced, never silently dropped, so protocol
// drift stays visible.
func (m *Mux) SubscribeUnknown(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown = append(m.unknown, fn)
}

// Recognize marks tags as part of the protocol contract. A recognized tag
// with no subscriber is dropped, not surfaced as unknown.
func (m *Mux) Recognize(tags ...protocol.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		m.recognized[tag] = true
	}
}

// Dispatch delivers one inbound event to its subscribers, synchronously.
func (m *Mux) Dispatch(evt protocol.InboundEvent) {
	m.mu.Lock()
	handlers := m.handlers[evt.Type]
	var unknown []Handler
	if len(handlers) == 0 && !m.recognized[evt.Type] {
		unknown = m.unknown
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
	for _, fn := range unknown {
		fn(evt)
	}
}

// MarkSent records that the writer put the event on the wire. The event
// stays pending until acknowledged.
func (m *Mux) MarkSent(evt protocol.OutboundEvent) {
	if evt.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[evt.ID]; ok {
		return
	}
	m.pending[evt.ID] = &pendingEvent{evt: evt}
	m.order = append(m.order, evt.ID)
}

// Ack drops one pending event, typically when the server references its
// event ID or completes the response it belongs to.
func (m *Mux) Ack(eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, eventID)
}

// AckAll drops every pending event, used when a response completes and the
// server cannot reference individual event IDs.
func (m *Mux) AckAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]*pendingEvent)
	m.order = nil
}

// ReplayBacklog returns sent-but-unacked events in submit order, each at
// most once across the lifetime of the mux. Callers needing exactly-once
// delivery must dedupe by event ID on their side.
func (m *Mux) ReplayBacklog() []protocol.OutboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.OutboundEvent
	for _, id := range m.order {
		p, ok := m.pending[id]
		if !ok || p.replayed {
			continue
		}
		p.replayed = true
		out = append(out, p.evt)
	}
	return out
}

// PendingCount reports events sent but not yet acknowledged.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops accepting submissions and closes the outbound queue.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.outbound)
}
