// Package run owns every live run: its child process, output pump, prompt
// detector, permission state, and input idempotency (spec.md §4.4). It is
// the concurrency-heavy heart of HostD.
package run

import (
	"sync"

	"github.com/alderwick/relay/internal/envelope"
)

// busBufferSize bounds each subscriber's backlog before it is considered
// lagged and skipped, per the resolved back-pressure policy in SPEC_FULL.md
// §9: both the Local API's per-run stdout stream and the upstream link's
// broadcast subscription apply the same Lagged→skip semantics.
const busBufferSize = 1024

// Bus fans out every envelope produced by the run manager to any number of
// subscribers — the upstream link (exactly one) and any number of local
// `/runs/:id/stdout` observers. Modeled on the teacher's PTYRoutes
// mutex-guarded subscriber map (internal/relay/pty_relay.go), adapted to a
// broadcast-with-drop discipline instead of a single fixed route.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan envelope.Envelope
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan envelope.Envelope{}}
}

// Subscription is a handle returned by Subscribe; call Close to unregister.
type Subscription struct {
	id int
	ch chan envelope.Envelope
	b  *Bus
}

// C returns the channel to read envelopes from.
func (s *Subscription) C() <-chan envelope.Envelope { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
	close(s.ch)
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan envelope.Envelope, busBufferSize)
	b.subs[id] = ch
	return &Subscription{id: id, ch: ch, b: b}
}

// Publish fans env out to every subscriber. A subscriber whose channel is
// full (lagged) has the envelope dropped for it rather than blocking the
// publisher — callers on the lagging side must detect gaps and resync via
// REST, per spec.md §4.8's fan-out policy.
func (b *Bus) Publish(env envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
}
