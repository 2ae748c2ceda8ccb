// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob

import (
	"expvar"
	"sync"
)

// A Pool is the store of handle storage shared by the managers of a process.
// It keeps destroyed handles on a free list for reuse, and counts the handles
// that are live. Construct one pool at startup and pass it to each Manager.
type Pool struct {
	strict bool

	μ    sync.Mutex
	free []*Handle

	live      expvar.Int
	allocated expvar.Int // fresh allocations
	recycled  expvar.Int // allocations served from the free list
	freeLen   expvar.Int
	emap      *expvar.Map
}

// NewPool constructs an empty pool. If strict is true, destroyed handles are
// discarded instead of being recycled, so that a stale pointer to one can
// never observe a reused handle.
func NewPool(strict bool) *Pool {
	p := &Pool{strict: strict, emap: new(expvar.Map)}
	p.emap.Set("handles_live", &p.live)
	p.emap.Set("handles_allocated", &p.allocated)
	p.emap.Set("handles_recycled", &p.recycled)
	p.emap.Set("free_list", &p.freeLen)
	return p
}

// Live reports the number of handles allocated from p and not yet destroyed.
func (p *Pool) Live() int { return int(p.live.Value()) }

// Free reports the number of handles on the free list of p.
func (p *Pool) Free() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return len(p.free)
}

// Metrics returns the metrics map for p.
func (p *Pool) Metrics() *expvar.Map { return p.emap }

// get returns a cleared handle with its lock held, either from the free list
// or freshly allocated. A free-list entry with any flags set is corrupt: it
// is discarded and get panics.
func (p *Pool) get() *Handle {
	p.μ.Lock()
	var h *Handle
	if n := len(p.free); n > 0 {
		h = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.freeLen.Set(int64(len(p.free)))
		p.recycled.Add(1)
	} else {
		p.allocated.Add(1)
	}
	p.μ.Unlock()

	if h == nil {
		h = new(Handle)
		h.μ.Lock()
		p.live.Add(1)
		return h
	}
	h.μ.Lock()
	if f := h.flags; f != 0 {
		h.μ.Unlock()
		invariant("new", "free-list entry has flags %v", f)
	}
	p.live.Add(1)
	return h
}

// put returns a destroyed handle to p. The handle must be unlocked and have
// no flags set.
func (p *Pool) put(h *Handle) {
	p.live.Add(-1)
	if p.strict {
		return
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.free = append(p.free, h)
	p.freeLen.Set(int64(len(p.free)))
}
