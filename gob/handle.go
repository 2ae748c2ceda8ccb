// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob

import (
	"hash"
	"sync"
	"time"

	"github.com/creachadair/gdp/name"
	"github.com/creachadair/mds/mapset"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// A Handle is the in-process state of an open object. The fields of a handle
// are accessed only through a [Guard] or a [Ref].
type Handle struct {
	μ sync.Mutex

	// The remaining fields are guarded by μ.
	gen       uint64 // incremented each time the handle is destroyed
	mgr       *Manager
	name      name.Name
	printable string
	refcnt    int
	flags     Flags
	algo      string
	digest    hash.Hash
	requests  mapset.Set[*Request]
	extra     any
	freeExtra func(any)
	signer    *secp256k1.PrivateKey
	verifier  *secp256k1.PublicKey
	lastUse   time.Time
}

// A Ref is a reference to a handle that does not hold its lock.
// The zero Ref refers to no handle.
type Ref struct {
	h   *Handle
	gen uint64
}

// IsZero reports whether r refers to no handle.
func (r Ref) IsZero() bool { return r.h == nil }

// Lock acquires the lock of the handle referred to by r. It reports ErrStale
// if that handle has been destroyed since r was created.
func (r Ref) Lock() (*Guard, error) {
	if r.h == nil {
		return nil, ErrStale
	}
	r.h.μ.Lock()
	if r.h.gen != r.gen || r.h.flags&InUse == 0 {
		r.h.μ.Unlock()
		return nil, ErrStale
	}
	return &Guard{h: r.h}, nil
}

// A Guard is proof that its holder has locked a handle. A guard is valid from
// the time it is returned until the lock is released, either explicitly by
// Unlock or implicitly by an operation that consumes the lock. Any use of an
// invalid guard panics.
//
// A Guard must not be shared between goroutines.
type Guard struct {
	h *Handle
}

func (g *Guard) handle(op string) *Handle {
	if g == nil || g.h == nil {
		invariant(op, "use of a released guard")
	}
	return g.h
}

// release unlocks the handle and invalidates g.
func (g *Guard) release() {
	h := g.h
	g.h = nil
	h.μ.Unlock()
}

// touch records that the handle was used.
func (g *Guard) touch() { g.h.lastUse = g.h.mgr.clk.Now() }

// Valid reports whether g still holds its lock.
func (g *Guard) Valid() bool { return g != nil && g.h != nil }

// Unlock releases the lock held by g.
func (g *Guard) Unlock() { g.handle("unlock"); g.touch(); g.release() }

// Ref returns a reference to the handle locked by g.
func (g *Guard) Ref() Ref {
	h := g.handle("ref")
	return Ref{h: h, gen: h.gen}
}

// Name reports the name of the object.
func (g *Guard) Name() name.Name { return g.handle("name").name }

// Printable reports the printable form of the object's name.
func (g *Guard) Printable() string { return g.handle("printable").printable }

// Refs reports the current reference count.
func (g *Guard) Refs() int { return g.handle("refs").refcnt }

// Flags reports the current flags. InCache is reported only while the
// handle is reachable through the name index of its manager.
func (g *Guard) Flags() Flags {
	h := g.handle("flags")
	if h.flags&InCache != 0 && !h.mgr.isCached(Ref{h: h, gen: h.gen}) {
		h.flags &^= InCache // displaced from the index
	}
	return h.flags
}

// SetFlags sets the specified flags. It panics if f includes flags reserved
// to the manager (InUse, Dropping, InCache).
func (g *Guard) SetFlags(f Flags) {
	h := g.handle("set flags")
	if f&systemFlags != 0 {
		invariant("set flags", "cannot set %v", f&systemFlags)
	}
	h.flags |= f
}

// ClearFlags clears the specified flags. It panics if f includes flags
// reserved to the manager.
func (g *Guard) ClearFlags(f Flags) {
	h := g.handle("clear flags")
	if f&systemFlags != 0 {
		invariant("clear flags", "cannot clear %v", f&systemFlags)
	}
	h.flags &^= f
}

// Incref adds a reference to the handle.
func (g *Guard) Incref() { g.handle("incref").refcnt++ }

// Decref removes a reference to the handle. If the count reaches zero and
// DeferFree is not set, the handle is destroyed and the lock is consumed.
// Otherwise the lock is released unless keepLocked is true or the KeepLocked
// flag is set. Decref reports whether g still holds the lock.
//
// Decref panics if the reference count is already zero.
func (g *Guard) Decref(keepLocked bool) bool {
	h := g.handle("decref")
	if h.refcnt <= 0 {
		invariant("decref", "refcount underflow on %s", h.printable)
	}
	h.refcnt--
	g.touch()
	if h.refcnt == 0 && h.flags&DeferFree == 0 {
		g.destroy()
		return false
	}
	if keepLocked || h.flags&KeepLocked != 0 {
		return true
	}
	g.release()
	return false
}

// Free destroys the handle regardless of its reference count, and consumes
// the lock. It is meant for teardown on error paths.
func (g *Guard) Free() {
	h := g.handle("free")
	if h.flags&InUse == 0 {
		invariant("free", "handle is not in use")
	}
	h.flags |= Dropping
	h.refcnt = 0
	g.destroy()
}

// Algorithm reports the name of the digest algorithm of the object.
func (g *Guard) Algorithm() string { return g.handle("algorithm").algo }

// Write adds p to the running digest of the object. It never fails.
func (g *Guard) Write(p []byte) (int, error) { return g.handle("write").digest.Write(p) }

// Sum returns the current digest of the object.
func (g *Guard) Sum() []byte { return g.handle("sum").digest.Sum(nil) }

// SetExtra attaches v to the handle. When the handle is destroyed, free is
// called with v, if free != nil. Any previous attachment is replaced without
// calling its free function.
func (g *Guard) SetExtra(v any, free func(any)) {
	h := g.handle("set extra")
	h.extra, h.freeExtra = v, free
}

// Extra returns the value attached by SetExtra, or nil.
func (g *Guard) Extra() any { return g.handle("extra").extra }

// NewRequest creates a pending request bound to the handle. If the handle is
// destroyed before the request completes, the request fails with ErrReleased.
func (g *Guard) NewRequest() *Request {
	h := g.handle("new request")
	r := newRequest()
	h.requests.Add(r)
	return r
}

// CompleteRequest completes r with err and unbinds it from the handle.
func (g *Guard) CompleteRequest(r *Request, err error) {
	h := g.handle("complete request")
	h.requests.Remove(r)
	r.Complete(err)
}

// Requests reports the number of requests bound to the handle.
func (g *Guard) Requests() int { return g.handle("requests").requests.Len() }

// destroy runs the destruction sequence and consumes the lock.
func (g *Guard) destroy() {
	h := g.h
	g.h = nil
	h.flags |= Dropping

	if h.flags&InCache != 0 {
		h.mgr.remove(h)
	}
	for r := range h.requests {
		r.Complete(ErrReleased)
	}
	if h.freeExtra != nil {
		h.freeExtra(h.extra)
	}
	if h.signer != nil {
		h.signer.Zero()
	}
	h.mgr.log.Debug().Str("name", h.printable).Msg("destroy handle")

	mgr := h.mgr
	h.gen++
	h.mgr = nil
	h.name, h.printable = name.Zero, ""
	h.refcnt, h.flags = 0, 0
	h.algo, h.digest = "", nil
	h.requests = nil
	h.extra, h.freeExtra = nil, nil
	h.signer, h.verifier = nil, nil
	h.lastUse = time.Time{}
	h.μ.Unlock()
	mgr.pool.put(h)
}
