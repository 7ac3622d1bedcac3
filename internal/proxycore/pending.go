package proxycore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// pendingRequest is one in-flight client request awaiting an upstream
// response, per spec §4.8's pending-requests table.
type pendingRequest struct {
	ID        interface{}
	Method    string
	Tool      string
	Server    string
	StartTime time.Time
	Timer     *time.Timer
}

// pendingTable tracks in-flight requests keyed by a canonicalized id.
// Exactly one completion path — response, per-request timeout, sweep
// timeout, upstream-failure close, or shutdown close — may remove a given
// id; Remove reports whether it was the one that won that race.
type pendingTable struct {
	mu   sync.Mutex
	byID map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*pendingRequest)}
}

// idKey canonicalizes a JSON-RPC id (string, float64, or nil after
// json.Unmarshal) into a stable map key.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case json.RawMessage:
		return "r:" + string(v)
	case nil:
		return "n:"
	default:
		return fmt.Sprintf("v:%v", v)
	}
}

// Add registers a pending request. Returns false if id is already pending
// (a duplicate id from a misbehaving client is dropped by the caller).
func (t *pendingTable) Add(id interface{}, req *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := idKey(id)
	if _, exists := t.byID[key]; exists {
		return false
	}
	t.byID[key] = req
	return true
}

// Remove atomically removes and returns the pending request for id, or
// (nil, false) if it was already removed by a competing completion path.
func (t *pendingTable) Remove(id interface{}) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := idKey(id)
	req, ok := t.byID[key]
	if !ok {
		return nil, false
	}
	delete(t.byID, key)
	return req, true
}

// Snapshot returns every currently pending request, for the sweep loop
// and for shutdown/upstream-failure fan-out.
func (t *pendingTable) Snapshot() map[string]*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*pendingRequest, len(t.byID))
	for k, v := range t.byID {
		out[k] = v
	}
	return out
}

// RemoveByKey removes an entry by its canonical key (as returned in
// Snapshot's map), for completion paths that already hold the key rather
// than a raw id.
func (t *pendingTable) RemoveByKey(key string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.byID[key]
	if !ok {
		return nil, false
	}
	delete(t.byID, key)
	return req, true
}

// Len reports the number of currently pending requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
