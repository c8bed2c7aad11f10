package server

import (
	"sync"
)

// runHostMap is the in-memory run_id -> host_id index (spec.md §4.8). A DB
// fallback (Store.GetRunHostID) covers runs started before this process's
// current lifetime.
type runHostMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func newRunHostMap() *runHostMap {
	return &runHostMap{m: make(map[string]string)}
}

func (rm *runHostMap) set(runID, hostID string) {
	rm.mu.Lock()
	rm.m[runID] = hostID
	rm.mu.Unlock()
}

func (rm *runHostMap) get(runID string) (string, bool) {
	rm.mu.RLock()
	hostID, ok := rm.m[runID]
	rm.mu.RUnlock()
	return hostID, ok
}

func (rm *runHostMap) deleteHost(hostID string) {
	rm.mu.Lock()
	for runID, h := range rm.m {
		if h == hostID {
			delete(rm.m, runID)
		}
	}
	rm.mu.Unlock()
}

// hostConn is one connected HostD's outbound delivery channel: app-
// originated commands (run.send_input, run.stop, rpc.*, ...) are queued
// here and drained by that connection's writer goroutine.
type hostConn struct {
	hostID string
	outbox chan []byte
}

const hostOutboxSize = 2048

func newHostConn(hostID string) *hostConn {
	return &hostConn{hostID: hostID, outbox: make(chan []byte, hostOutboxSize)}
}

// send enqueues data for delivery, dropping it if the connection's outbox
// is saturated rather than blocking the caller (mirrors the upstream
// client's own outbox — a slow/wedged link should not stall routing).
func (hc *hostConn) send(data []byte) bool {
	select {
	case hc.outbox <- data:
		return true
	default:
		return false
	}
}

// hostConnRegistry tracks the single active connection per host_id.
type hostConnRegistry struct {
	mu sync.RWMutex
	m  map[string]*hostConn
}

func newHostConnRegistry() *hostConnRegistry {
	return &hostConnRegistry{m: make(map[string]*hostConn)}
}

func (r *hostConnRegistry) put(hc *hostConn) {
	r.mu.Lock()
	r.m[hc.hostID] = hc
	r.mu.Unlock()
}

func (r *hostConnRegistry) get(hostID string) (*hostConn, bool) {
	r.mu.RLock()
	hc, ok := r.m[hostID]
	r.mu.RUnlock()
	return hc, ok
}

// remove deletes hostID's entry only if it is still the given connection —
// a reconnect may already have replaced it by the time the old connection's
// read loop unwinds.
func (r *hostConnRegistry) remove(hostID string, hc *hostConn) {
	r.mu.Lock()
	if cur, ok := r.m[hostID]; ok && cur == hc {
		delete(r.m, hostID)
	}
	r.mu.Unlock()
}

// list returns every currently connected host id.
func (r *hostConnRegistry) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	return out
}
