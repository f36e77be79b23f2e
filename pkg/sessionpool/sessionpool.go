// Package sessionpool hands out small-integer session ids and recycles
// them on disconnect, so long-running servers keep ids compact.
package sessionpool

import "sync"

// Pool is a concurrency-safe allocator of session ids. Ids start at 1;
// released ids are reused before new ones are minted.
type Pool struct {
	mu   sync.Mutex
	free []uint32
	next uint32
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Get returns an unused session id.
func (p *Pool) Get() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	p.next++
	return p.next
}

// Put returns an id to the pool for reuse. The caller must guarantee the
// id is no longer referenced anywhere.
func (p *Pool) Put(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}
