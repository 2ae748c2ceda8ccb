// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/gdp/config"
	"github.com/creachadair/gdp/name"
	"github.com/creachadair/mds/mapset"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the capacity of the name index when none is given.
const DefaultCacheSize = 1024

// cacheSizeParam is the administrative parameter for the index capacity.
const cacheSizeParam = "swarm.gdp.gob.cache-size"

// Options are the settings for a [Manager].
type Options struct {
	// HashAlgorithm names the digest of new objects. If empty or not
	// recognized, DefaultAlgorithm is used.
	HashAlgorithm string

	// CacheSize is the capacity of the name index. If zero,
	// DefaultCacheSize is used.
	CacheSize int

	// Clock supplies times for idle reclamation. If nil, the system clock
	// is used.
	Clock clock.Clock

	// Logger, if set, receives log output. If nil, logs are discarded.
	Logger *zerolog.Logger
}

// OptionsFromConfig returns manager options for the settings in cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		HashAlgorithm: cfg.HashAlgorithm,
		CacheSize:     cfg.IntParam(cacheSizeParam, DefaultCacheSize),
	}
}

// A Manager creates handles and indexes cached handles by name.
type Manager struct {
	pool *Pool
	algo string
	size int // cache capacity
	clk  clock.Clock
	log  zerolog.Logger

	μ       sync.Mutex
	cache   *lru.Cache[name.Name, Ref]
	evicted []Ref // displaced from the cache, awaiting Reclaim
}

// NewManager constructs a manager that allocates handles from pool.
func NewManager(pool *Pool, opts Options) (*Manager, error) {
	m := &Manager{pool: pool, clk: opts.Clock, log: zerolog.Nop()}
	if opts.Logger != nil {
		m.log = opts.Logger.With().Str("component", "gob").Logger()
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	algo, ok := resolveAlgorithm(opts.HashAlgorithm)
	if !ok && opts.HashAlgorithm != "" {
		m.log.Warn().Str("algorithm", opts.HashAlgorithm).Str("using", algo).Msg("unknown digest algorithm")
	}
	m.algo = algo

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[name.Name, Ref](size)
	if err != nil {
		return nil, fmt.Errorf("gob cache: %w", err)
	}
	m.cache, m.size = cache, size
	return m, nil
}

// Algorithm reports the digest algorithm used for new objects.
func (m *Manager) Algorithm() string { return m.algo }

// New creates a handle for the object with the given name, or a random name
// if n is zero. The handle has one reference and flags InUse|Pending. The
// caller holds its lock.
func (m *Manager) New(n name.Name) *Guard {
	h := m.pool.get()
	if n.IsZero() {
		n = name.Random()
	}
	h.mgr = m
	h.name = n
	h.printable = n.String()
	h.refcnt = 1
	h.flags = InUse | Pending
	h.algo = m.algo
	h.digest = digests[m.algo]()
	h.requests = mapset.New[*Request]()
	h.lastUse = m.clk.Now()
	m.log.Debug().Str("name", h.printable).Msg("new handle")
	return &Guard{h: h}
}

// Add indexes the handle locked by g under its name, and sets DeferFree so
// that the handle survives while unreferenced until it is reclaimed. If the
// index is full, the least recently used handle is displaced and will be
// destroyed by the next Reclaim if it is unreferenced.
//
// Add reports false if another handle is already indexed under the name.
// A handle that was displaced from the index may be added again.
func (m *Manager) Add(g *Guard) bool {
	h := g.handle("cache add")
	ref := Ref{h: h, gen: h.gen}

	m.μ.Lock()
	defer m.μ.Unlock()
	if old, ok := m.cache.Peek(h.name); ok {
		if old != ref {
			return false
		}
		h.flags |= InCache | DeferFree
		return true
	}
	if m.cache.Len() >= m.size {
		if _, victim, ok := m.cache.RemoveOldest(); ok {
			m.evicted = append(m.evicted, victim)
		}
	}
	m.cache.Add(h.name, ref)
	h.flags |= InCache | DeferFree
	return true
}

// Get returns a guard for the cached handle with name n, adding a reference
// to it. It reports false if no live handle for n is cached.
func (m *Manager) Get(n name.Name) (*Guard, bool) {
	m.μ.Lock()
	ref, ok := m.cache.Get(n)
	m.μ.Unlock()
	if !ok {
		return nil, false
	}

	// The handle may have been dropped or recycled between releasing the
	// manager lock and acquiring the handle lock.
	g, err := ref.Lock()
	if err != nil {
		return nil, false
	}
	if g.h.flags&InCache == 0 || g.h.name != n {
		g.release()
		return nil, false
	}
	g.h.refcnt++
	return g, true
}

// Drop removes the handle locked by g from the name index and clears its
// DeferFree flag. If the handle has no references, it is destroyed and the
// lock is consumed. Drop reports whether g still holds the lock.
func (m *Manager) Drop(g *Guard) bool {
	h := g.handle("cache drop")
	if h.flags&InCache != 0 {
		m.remove(h)
	}
	h.flags &^= DeferFree
	if h.refcnt == 0 {
		g.destroy()
		return false
	}
	return true
}

// Len reports the number of handles in the name index.
func (m *Manager) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.cache.Len()
}

func (m *Manager) isCached(ref Ref) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	cur, ok := m.cache.Peek(ref.h.name)
	return ok && cur == ref
}

// remove deletes h from the index and clears its InCache flag.
// The caller must hold the lock of h.
func (m *Manager) remove(h *Handle) {
	ref := Ref{h: h, gen: h.gen}
	m.μ.Lock()
	if cur, ok := m.cache.Peek(h.name); ok && cur == ref {
		m.cache.Remove(h.name)
	}
	m.μ.Unlock()
	h.flags &^= InCache
}

// Reclaim destroys handles that the cache has displaced, and cached handles
// that have been unreferenced for at least maxIdle. A displaced handle that
// still has references loses its DeferFree flag, and is destroyed when its
// last reference is released. Reclaim reports the number of handles
// destroyed.
func (m *Manager) Reclaim(maxIdle time.Duration) int {
	m.μ.Lock()
	victims := m.evicted
	m.evicted = nil
	m.μ.Unlock()

	var nfree int
	for _, ref := range victims {
		g, err := ref.Lock()
		if err != nil {
			continue // already gone
		} else if m.isCached(ref) {
			g.release() // indexed again since it was displaced
			continue
		}
		g.h.flags &^= InCache | DeferFree
		if g.h.refcnt == 0 {
			g.destroy()
			nfree++
		} else {
			g.release()
		}
	}

	cutoff := m.clk.Now().Add(-maxIdle)
	m.μ.Lock()
	refs := m.cache.Values()
	m.μ.Unlock()
	for _, ref := range refs {
		g, err := ref.Lock()
		if err != nil {
			continue
		}
		if g.h.refcnt == 0 && !g.h.lastUse.After(cutoff) {
			m.Drop(g)
			nfree++
		} else {
			g.release()
		}
	}
	if nfree > 0 {
		m.log.Debug().Int("freed", nfree).Msg("reclaimed handles")
	}
	return nfree
}

// Run calls Reclaim every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	t := m.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Reclaim(maxIdle)
		}
	}
}
