package transport

import (
	"encoding/json"
	"sync"
)

// Reply is the outcome of a request sent to the broker.
type Reply struct {
	Result json.RawMessage
	Err    error
}

// PendingTable maps outstanding request ids to their waiters. Every waiter
// receives at most one Reply.
type PendingTable struct {
	mu      sync.Mutex
	waiters map[int64]chan Reply
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiters: make(map[int64]chan Reply)}
}

// Add registers a waiter for id. The returned channel receives exactly one
// Reply unless the entry is removed first.
func (p *PendingTable) Add(id int64) <-chan Reply {
	ch := make(chan Reply, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers r to the waiter for id and removes it. It reports false
// for an unknown id, which happens for late replies after a disconnect.
func (p *PendingTable) Resolve(id int64, r Reply) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// Remove drops the waiter for id without delivering anything.
func (p *PendingTable) Remove(id int64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// FailAll fails every outstanding waiter with err and empties the table. It
// returns how many waiters were failed.
func (p *PendingTable) FailAll(err error) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[int64]chan Reply)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- Reply{Err: err}
	}
	return len(waiters)
}

// Len returns the number of outstanding requests.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
