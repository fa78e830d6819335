package datasource

import "context"

// requestRegistry tracks the in-flight request of each slot. Registering a new
// request cancels the previous one; only the latest generation may complete.
// Callers serialise access.
type requestRegistry struct {
	next     uint64
	inflight map[string]inflightRequest
}

type inflightRequest struct {
	generation uint64
	cancel     context.CancelFunc
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{inflight: map[string]inflightRequest{}}
}

func (r *requestRegistry) register(slot string, cancel context.CancelFunc) uint64 {
	if prev, ok := r.inflight[slot]; ok {
		prev.cancel()
	}
	r.next++
	r.inflight[slot] = inflightRequest{generation: r.next, cancel: cancel}
	return r.next
}

// complete releases the slot if gen is still current and reports whether it was.
func (r *requestRegistry) complete(slot string, gen uint64) bool {
	cur, ok := r.inflight[slot]
	if !ok || cur.generation != gen {
		return false
	}
	cur.cancel()
	delete(r.inflight, slot)
	return true
}

func (r *requestRegistry) cancelAll() {
	for slot, req := range r.inflight {
		req.cancel()
		delete(r.inflight, slot)
	}
}
