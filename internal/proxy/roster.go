package proxy

import (
	"sync"

	"github.com/sttdispatch/sttd/internal/protocol"
	"github.com/sttdispatch/sttd/internal/workerchannel"
)

// Roster is the shared set of registered workers. Mutations (register, GC
// sweep) take the write lock; the Connect-path availability scan takes the
// read lock and performs the actual flip through the channel's atomic, not
// through the roster lock, keeping the critical section short.
type Roster struct {
	mu      sync.RWMutex
	workers []*workerchannel.Channel
	connMu  sync.Mutex // serializes the Connect-path scan-and-flip
}

// NewRoster returns an empty roster.
func NewRoster() *Roster { return &Roster{} }

// Register appends a newly attached worker channel. A re-registration under
// the same SerialNo evicts the previous entry (latest wins).
func (r *Roster) Register(ch *workerchannel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.workers {
		if w.SerialNo() == ch.SerialNo() {
			r.workers[i] = ch
			return
		}
	}
	r.workers = append(r.workers, ch)
}

// Find returns the channel owning sn, if registered.
func (r *Roster) Find(sn protocol.SerialNo) (*workerchannel.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.SerialNo() == sn {
			return w, true
		}
	}
	return nil, false
}

// Len returns the current roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot returns a copy of the current worker list for the heartbeat loop.
func (r *Roster) Snapshot() []*workerchannel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workerchannel.Channel, len(r.workers))
	copy(out, r.workers)
	return out
}

// Sweep drops every worker whose stream has closed, returning the count
// removed.
func (r *Roster) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.workers[:0]
	removed := 0
	for _, w := range r.workers {
		if w.StreamClosed() {
			removed++
			continue
		}
		kept = append(kept, w)
	}
	r.workers = kept
	return removed
}

// ClaimAvailable scans for the first available worker in roster order and
// flips it unavailable, all under a single short-held mutex so two
// concurrent Connects never claim the same worker. Returns false if none
// were available.
func (r *Roster) ClaimAvailable(flip func(*workerchannel.Channel)) (*workerchannel.Channel, bool) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.mu.RLock()
	workers := r.workers
	defer r.mu.RUnlock()
	for _, w := range workers {
		if w.Available() {
			flip(w)
			return w, true
		}
	}
	return nil, false
}
