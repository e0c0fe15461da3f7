// Package bus implements the process-wide in-memory event bus every other
// orchestrator component publishes to and subscribes from. It is the single
// point of fan-out between the session bridge, the chat/tool-RPC transports,
// and the SSE gateway.
package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentworkbench/internal/domain"
)

// Handle identifies a live subscription returned by Subscribe.
type Handle uint64

// Predicate filters events delivered to a subscriber. A nil predicate
// matches everything.
type Predicate func(domain.Event) bool

type subscriber struct {
	handle Handle
	pred   Predicate
	ch     chan domain.Event
}

// Bus is a single-writer-at-a-time, multi-reader in-memory publisher.
// Publish never blocks on a slow subscriber: a subscriber whose channel is
// full is skipped for that event rather than stalling the emitter. Callers
// that need a slow-subscriber catch-up path use the replay ring in the
// WebSocket chat server or the Last-Event-ID resume in the SSE gateway.
type Bus struct {
	seq atomic.Uint64

	mu        sync.Mutex
	nextID    Handle
	subs      map[Handle]*subscriber
	chanDepth int
}

// New creates an empty Bus. chanDepth bounds the per-subscriber delivery
// channel; a slow subscriber drops events once its channel fills rather than
// blocking Emit.
func New(chanDepth int) *Bus {
	if chanDepth <= 0 {
		chanDepth = 64
	}
	return &Bus{
		subs:      make(map[Handle]*subscriber),
		chanDepth: chanDepth,
	}
}

// Emit atomically increments the sequence counter, timestamps the event, and
// dispatches it to every subscriber whose predicate matches, in registration
// order. It returns the assigned sequence number. Emit does not inspect
// payload; kind and payload are opaque to the bus.
func (b *Bus) Emit(kind domain.EventKind, payload any) uint64 {
	seq := b.seq.Add(1)
	ev := domain.Event{
		Seq:     seq,
		Ts:      time.Now(),
		Kind:    kind,
		Payload: payload,
	}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	// Handles are assigned in increasing order, so sorting by handle
	// restores registration order after the map iteration.
	sort.Slice(targets, func(i, j int) bool { return targets[i].handle < targets[j].handle })

	for _, s := range targets {
		if s.pred != nil && !s.pred(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}

	return seq
}

// Subscribe registers a new subscriber and returns its handle and delivery
// channel. The channel is closed when Unsubscribe is called. A nil
// predicate receives every event.
func (b *Bus) Subscribe(pred Predicate) (Handle, <-chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	h := b.nextID
	s := &subscriber{
		handle: h,
		pred:   pred,
		ch:     make(chan domain.Event, b.chanDepth),
	}
	b.subs[h] = s
	return h, s.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing an
// unknown or already-removed handle is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	s, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
	}
	b.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// CurrentSeq returns the sequence number of the most recently emitted event,
// or 0 if none has been emitted.
func (b *Bus) CurrentSeq() uint64 {
	return b.seq.Load()
}

// SubscriberCount reports the number of live subscriptions. Used by the
// health endpoint and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
