package server

import "sync"

// broadcastBufSize is the per-subscriber buffer. A subscriber that falls
// this far behind is "lagged" and skipped rather than blocking the
// publisher — SPEC_FULL.md's resolution of the spec's open question on
// broadcast backpressure, consistent with internal/run.Bus's subscriber
// semantics.
const broadcastBufSize = 1024

// appBroadcast fans every inbound host envelope out to every connected app,
// simplified from the teacher's WingRegistry (internal/relay/workers.go)
// dual-indexed (userID/orgID -> subscribers) map: this spec has a single
// admin identity, so one flat subscriber set suffices.
type appBroadcast struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newAppBroadcast() *appBroadcast {
	return &appBroadcast{subs: make(map[chan []byte]struct{})}
}

// subscribe registers a new app connection and returns its channel plus an
// unsubscribe function the caller must invoke on disconnect.
func (b *appBroadcast) subscribe() (chan []byte, func()) {
	ch := make(chan []byte, broadcastBufSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// publish delivers data to every subscriber, skipping (not blocking on) any
// subscriber whose buffer is full.
func (b *appBroadcast) publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
			// Lagged: drop for this subscriber. It resyncs via REST
			// (GET /runs, GET /runs/{id}/events) on reconnect.
		}
	}
}
