// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob_test

import (
	"bytes"
	"context"
	"crypto/sha3"
	stdsha256 "crypto/sha256"
	"crypto/sha512"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/gdp/config"
	"github.com/creachadair/gdp/gob"
	"github.com/creachadair/gdp/name"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/go-cmp/cmp"
	"lukechampine.com/blake3"
)

func newManager(t *testing.T, pool *gob.Pool, opts gob.Options) *gob.Manager {
	t.Helper()
	m, err := gob.NewManager(pool, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func mustInvariant(t *testing.T, f func()) *gob.InvariantError {
	t.Helper()
	v := mtest.MustPanic(t, f)
	ie, ok := v.(*gob.InvariantError)
	if !ok {
		t.Fatalf("Panic value: got %[1]T %[1]v, want *InvariantError", v)
	}
	return ie
}

func TestNew(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{})

	n := name.Hash("edu.berkeley.test.log")
	g := m.New(n)
	if got := g.Name(); got != n {
		t.Errorf("Name: got %v, want %v", got, n)
	}
	if got, want := g.Printable(), n.String(); got != want {
		t.Errorf("Printable: got %q, want %q", got, want)
	}
	if got := g.Refs(); got != 1 {
		t.Errorf("Refs: got %d, want 1", got)
	}
	if got, want := g.Flags(), gob.InUse|gob.Pending; got != want {
		t.Errorf("Flags: got %v, want %v", got, want)
	}
	if got := g.Algorithm(); got != gob.DefaultAlgorithm {
		t.Errorf("Algorithm: got %q, want %q", got, gob.DefaultAlgorithm)
	}
	g.Unlock()

	r := m.New(name.Zero)
	if r.Name().IsZero() {
		t.Error("New with zero name did not assign a name")
	}
	r.Unlock()
	if got := pool.Live(); got != 2 {
		t.Errorf("Live: got %d, want 2", got)
	}
}

func TestRefcount(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{})

	g := m.New(name.Zero)
	ref := g.Ref()
	g.Incref()
	g.Incref()
	if g.Decref(false) || g.Valid() {
		t.Fatal("Decref(false) should release the lock")
	}

	g, err := ref.Lock()
	if err != nil {
		t.Fatalf("Lock: unexpected error: %v", err)
	}
	if got := g.Refs(); got != 2 {
		t.Errorf("Refs: got %d, want 2", got)
	}
	if !g.Decref(true) || !g.Valid() {
		t.Fatal("Decref(true) should keep the lock")
	}
	if g.Decref(true) || g.Valid() {
		t.Fatal("Final Decref should consume the lock")
	}

	if got := pool.Live(); got != 0 {
		t.Errorf("Live: got %d, want 0", got)
	}
	if got := pool.Free(); got != 1 {
		t.Errorf("Free: got %d, want 1", got)
	}
	if _, err := ref.Lock(); !errors.Is(err, gob.ErrStale) {
		t.Errorf("Lock destroyed: got %v, want %v", err, gob.ErrStale)
	}
	if _, err := (gob.Ref{}).Lock(); !errors.Is(err, gob.ErrStale) {
		t.Errorf("Lock zero: got %v, want %v", err, gob.ErrStale)
	}
}

func TestInvariants(t *testing.T) {
	m := newManager(t, gob.NewPool(false), gob.Options{})

	t.Run("Underflow", func(t *testing.T) {
		g := m.New(name.Zero)
		m.Add(g) // defers destruction at zero
		if !g.Decref(true) {
			t.Fatal("Decref should keep the lock")
		}
		ie := mustInvariant(t, func() { g.Decref(true) })
		if ie.Op != "decref" {
			t.Errorf("Op: got %q, want decref", ie.Op)
		}
		m.Drop(g)
	})

	t.Run("Released", func(t *testing.T) {
		g := m.New(name.Zero)
		g.Unlock()
		mustInvariant(t, func() { g.Name() })
		mustInvariant(t, func() { g.Unlock() })
		mustInvariant(t, func() { g.Free() })
	})

	t.Run("SystemFlags", func(t *testing.T) {
		g := m.New(name.Zero)
		defer g.Free()
		mustInvariant(t, func() { g.SetFlags(gob.InCache) })
		mustInvariant(t, func() { g.ClearFlags(gob.InUse) })
		g.ClearFlags(gob.Pending)
		g.SetFlags(gob.KeepLocked)
		if got, want := g.Flags(), gob.InUse|gob.KeepLocked; got != want {
			t.Errorf("Flags: got %v, want %v", got, want)
		}
	})
}

func TestKeepLocked(t *testing.T) {
	m := newManager(t, gob.NewPool(false), gob.Options{})
	g := m.New(name.Zero)
	g.Incref()
	g.SetFlags(gob.KeepLocked)
	if !g.Decref(false) {
		t.Error("Decref with KeepLocked should keep the lock")
	}
	g.Free()
}

func TestRecycle(t *testing.T) {
	t.Run("FreeList", func(t *testing.T) {
		pool := gob.NewPool(false)
		m := newManager(t, pool, gob.Options{})

		g := m.New(name.Hash("one"))
		old := g.Ref()
		g.Free()
		if got := pool.Free(); got != 1 {
			t.Fatalf("Free after destroy: got %d, want 1", got)
		}

		g = m.New(name.Hash("two"))
		defer g.Unlock()
		if got := pool.Free(); got != 0 {
			t.Errorf("Free after reuse: got %d, want 0", got)
		}
		if got := pool.Metrics().Get("handles_recycled").String(); got != "1" {
			t.Errorf("Recycled: got %s, want 1", got)
		}
		if got, want := g.Flags(), gob.InUse|gob.Pending; got != want {
			t.Errorf("Recycled flags: got %v, want %v", got, want)
		}
		if old == g.Ref() {
			t.Error("Recycled handle has the same reference")
		}
	})

	t.Run("Strict", func(t *testing.T) {
		pool := gob.NewPool(true)
		m := newManager(t, pool, gob.Options{})
		m.New(name.Zero).Free()
		if got := pool.Free(); got != 0 {
			t.Errorf("Free: got %d, want 0", got)
		}
		if got := pool.Live(); got != 0 {
			t.Errorf("Live: got %d, want 0", got)
		}
	})
}

func TestDestroy(t *testing.T) {
	m := newManager(t, gob.NewPool(false), gob.Options{})

	g := m.New(name.Zero)
	var freed []any
	g.SetExtra("payload", func(v any) { freed = append(freed, v) })
	if got := g.Extra(); got != "payload" {
		t.Errorf("Extra: got %v, want payload", got)
	}

	done := g.NewRequest()
	g.CompleteRequest(done, nil)
	r1, r2 := g.NewRequest(), g.NewRequest()
	if got := g.Requests(); got != 2 {
		t.Errorf("Requests: got %d, want 2", got)
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	g.SetSigner(key)
	g.Free()

	if diff := cmp.Diff([]any{"payload"}, freed); diff != "" {
		t.Errorf("Extra free (-want, +got):\n%s", diff)
	}
	if err := done.Wait(t.Context()); err != nil {
		t.Errorf("Completed request: got %v, want nil", err)
	}
	for _, r := range []*gob.Request{r1, r2} {
		if err := r.Wait(t.Context()); !errors.Is(err, gob.ErrReleased) {
			t.Errorf("Pending request %v: got %v, want %v", r.ID, err, gob.ErrReleased)
		}
	}
	if !key.Key.IsZero() {
		t.Error("Signing key was not zeroed")
	}
}

func TestCache(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{})

	n := name.Hash("cached")
	g := m.New(n)
	if !m.Add(g) {
		t.Fatal("Add reported a conflict")
	}
	if got, want := g.Flags(), gob.InUse|gob.Pending|gob.InCache|gob.DeferFree; got != want {
		t.Errorf("Flags: got %v, want %v", got, want)
	}
	g.Decref(false) // refcount 0, retained by the cache

	if got := pool.Live(); got != 1 {
		t.Errorf("Live: got %d, want 1", got)
	}
	g, ok := m.Get(n)
	if !ok {
		t.Fatal("Get: not found")
	}
	if got := g.Refs(); got != 1 {
		t.Errorf("Refs: got %d, want 1", got)
	}

	// A different handle with the same name cannot be indexed.
	dup := m.New(n)
	if m.Add(dup) {
		t.Error("Add of a duplicate name should fail")
	}
	dup.Free()

	if !m.Drop(g) {
		t.Fatal("Drop of a referenced handle should keep the lock")
	}
	if _, ok := m.Get(n); ok {
		t.Error("Get after Drop: unexpectedly found")
	}
	g.Decref(false)
	if got := pool.Live(); got != 0 {
		t.Errorf("Live: got %d, want 0", got)
	}
	if got := m.Len(); got != 0 {
		t.Errorf("Len: got %d, want 0", got)
	}
}

func TestCacheEviction(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{CacheSize: 2})

	names := []name.Name{name.Hash("a"), name.Hash("b"), name.Hash("c")}
	for i, n := range names {
		g := m.New(n)
		m.Add(g)
		if i == 1 {
			g.Unlock() // b keeps its reference
		} else {
			g.Decref(false)
		}
	}

	if got := m.Len(); got != 2 {
		t.Errorf("Len: got %d, want 2", got)
	}
	if _, ok := m.Get(names[0]); ok {
		t.Error("Get of a displaced handle: unexpectedly found")
	}
	if n := m.Reclaim(time.Hour); n != 1 {
		t.Errorf("Reclaim: got %d, want 1", n)
	}
	if got := pool.Live(); got != 2 {
		t.Errorf("Live: got %d, want 2", got)
	}

	// Displacing a referenced handle does not destroy it.
	d := m.New(name.Hash("d"))
	m.Add(d)
	d.Unlock()
	if n := m.Reclaim(time.Hour); n != 0 {
		t.Errorf("Reclaim: got %d, want 0", n)
	}
	if got := pool.Live(); got != 3 {
		t.Errorf("Live: got %d, want 3", got)
	}
}

func TestCacheReAdd(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{CacheSize: 1})

	na, nb := name.Hash("a"), name.Hash("b")
	ga := m.New(na)
	m.Add(ga)
	ra := ga.Ref()
	ga.Unlock()

	gb := m.New(nb)
	m.Add(gb) // displaces a
	gb.Unlock()

	ga, err := ra.Lock()
	if err != nil {
		t.Fatalf("Lock: unexpected error: %v", err)
	}
	if ga.Flags()&gob.InCache != 0 {
		t.Errorf("Displaced flags: got %v, want no %v", ga.Flags(), gob.InCache)
	}
	if !m.Add(ga) {
		t.Fatal("Add of a displaced handle reported a conflict")
	}
	if ga.Flags()&gob.InCache == 0 {
		t.Errorf("Re-added flags: got %v, want %v", ga.Flags(), gob.InCache)
	}
	ga.Unlock()

	g, ok := m.Get(na)
	if !ok {
		t.Fatal("Get after re-add: not found")
	}
	if got := g.Refs(); got != 2 {
		t.Errorf("Refs: got %d, want 2", got)
	}
	g.Unlock()
	if _, ok := m.Get(nb); ok {
		t.Error("Get of a displaced handle should fail")
	}
	if got := m.Len(); got != 1 {
		t.Errorf("Len: got %d, want 1", got)
	}

	// The re-added handle survives reclamation; the displaced one is
	// referenced, so it is not destroyed either.
	if n := m.Reclaim(time.Hour); n != 0 {
		t.Errorf("Reclaim: got %d, want 0", n)
	}
	if got := pool.Live(); got != 2 {
		t.Errorf("Live: got %d, want 2", got)
	}
	if _, ok := m.Get(na); !ok {
		t.Error("Get after reclaim: not found")
	}
}

func TestReclaimIdle(t *testing.T) {
	mock := clock.NewMock()
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{Clock: mock})

	idle, busy := m.New(name.Hash("idle")), m.New(name.Hash("busy"))
	m.Add(idle)
	m.Add(busy)
	idle.Decref(false)
	busy.Unlock()

	mock.Add(30 * time.Second)
	if n := m.Reclaim(time.Minute); n != 0 {
		t.Errorf("Reclaim early: got %d, want 0", n)
	}
	mock.Add(time.Minute)
	if n := m.Reclaim(time.Minute); n != 1 {
		t.Errorf("Reclaim: got %d, want 1", n)
	}
	if got := m.Len(); got != 1 {
		t.Errorf("Len: got %d, want 1", got)
	}
	if _, ok := m.Get(name.Hash("busy")); !ok {
		t.Error("Referenced handle was reclaimed")
	}
}

func TestRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := newManager(t, gob.NewPool(false), gob.Options{})
		g := m.New(name.Zero)
		m.Add(g)
		g.Decref(false)

		ctx, cancel := context.WithCancel(t.Context())
		tg := taskgroup.New(nil)
		tg.Go(func() error { return m.Run(ctx, time.Second, time.Second) })

		time.Sleep(3 * time.Second)
		synctest.Wait()
		if got := m.Len(); got != 0 {
			t.Errorf("Len after Run: got %d, want 0", got)
		}
		cancel()
		if err := tg.Wait(); err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	})
}

func TestConcurrentGet(t *testing.T) {
	pool := gob.NewPool(false)
	m := newManager(t, pool, gob.Options{})
	n := name.Hash("shared")
	g := m.New(n)
	m.Add(g)
	g.Decref(false)

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			for range 100 {
				g, ok := m.Get(n)
				if !ok {
					t.Error("Get: not found")
					return
				}
				g.Incref()
				g.Decref(true)
				g.Decref(false)
			}
		})
	}
	wg.Wait()

	g, ok := m.Get(n)
	if !ok {
		t.Fatal("Get: not found")
	}
	if got := g.Refs(); got != 1 {
		t.Errorf("Refs: got %d, want 1", got)
	}
	g.Decref(false)
}

func TestDigests(t *testing.T) {
	data := []byte("the quick brown fox")
	s256 := stdsha256.Sum256(data)
	s512 := sha512.Sum512(data)
	s3 := sha3.Sum256(data)
	b3 := blake3.Sum256(data)
	tests := []struct {
		config, algo string
		want         []byte
	}{
		{"", "sha256", s256[:]},
		{"sha256", "sha256", s256[:]},
		{"SHA512", "sha512", s512[:]},
		{"sha3-256", "sha3-256", s3[:]},
		{"blake3", "blake3", b3[:]},
		{"md5", "sha256", s256[:]},
	}
	for _, tc := range tests {
		m := newManager(t, gob.NewPool(false), gob.Options{HashAlgorithm: tc.config})
		g := m.New(name.Zero)
		if got := g.Algorithm(); got != tc.algo {
			t.Errorf("Algorithm %q: got %q, want %q", tc.config, got, tc.algo)
		}
		g.Write(data)
		if got := g.Sum(); !bytes.Equal(got, tc.want) {
			t.Errorf("Sum %q: got %x, want %x", tc.config, got, tc.want)
		}
		g.Free()
	}
	if diff := cmp.Diff([]string{"blake3", "sha256", "sha3-256", "sha512"}, gob.Algorithms()); diff != "" {
		t.Errorf("Algorithms (-want, +got):\n%s", diff)
	}
}

func TestSignVerify(t *testing.T) {
	m := newManager(t, gob.NewPool(false), gob.Options{})
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	g := m.New(name.Zero)
	defer g.Free()
	if _, err := g.Sign(); !errors.Is(err, gob.ErrNoSigner) {
		t.Errorf("Sign without key: got %v, want %v", err, gob.ErrNoSigner)
	}
	if err := g.Verify(nil); !errors.Is(err, gob.ErrNoVerifier) {
		t.Errorf("Verify without key: got %v, want %v", err, gob.ErrNoVerifier)
	}

	g.SetSigner(key)
	g.SetVerifier(key.PubKey(), false)
	if want := gob.InUse | gob.Pending | gob.Signing | gob.Verifying; g.Flags() != want {
		t.Errorf("Flags: got %v, want %v", g.Flags(), want)
	}
	g.Write([]byte("record 1"))
	sig, err := g.Sign()
	if err != nil {
		t.Fatalf("Sign: unexpected error: %v", err)
	}
	if err := g.Verify(sig); err != nil {
		t.Errorf("Verify: unexpected error: %v", err)
	}
	if err := g.Verify([]byte("bogus")); !errors.Is(err, gob.ErrVerify) {
		t.Errorf("Verify bogus: got %v, want %v", err, gob.ErrVerify)
	}

	g.Write([]byte("record 2"))
	if err := g.Verify(sig); !errors.Is(err, gob.ErrVerify) {
		t.Errorf("Verify stale: got %v, want %v", err, gob.ErrVerify)
	}
	g.SetVerifier(key.PubKey(), true)
	if err := g.Verify(sig); err != nil {
		t.Errorf("Verify with warning: got %v, want nil", err)
	}
}

func TestRequestWait(t *testing.T) {
	m := newManager(t, gob.NewPool(false), gob.Options{})
	g := m.New(name.Zero)
	defer g.Free()

	r := g.NewRequest()
	ctx, cancel := context.WithTimeout(t.Context(), time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait: got %v, want %v", err, context.DeadlineExceeded)
	}

	bad := errors.New("bad")
	if !r.Complete(bad) {
		t.Error("First Complete should report true")
	}
	if r.Complete(nil) {
		t.Error("Second Complete should report false")
	}
	<-r.Done()
	if err := r.Wait(t.Context()); err != bad {
		t.Errorf("Wait: got %v, want %v", err, bad)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Parse(`
hash-algorithm-default = "blake3"

[params]
"swarm.gdp.gob.cache-size" = "16"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := gob.OptionsFromConfig(cfg)
	if got.HashAlgorithm != "blake3" || got.CacheSize != 16 {
		t.Errorf("Options: got %+v, want blake3 and 16", got)
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		f    gob.Flags
		want string
	}{
		{0, "0"},
		{gob.InUse, "INUSE"},
		{gob.InUse | gob.Pending | gob.VerifyWarn, "INUSE|PENDING|VRFY_WARN"},
		{gob.DeferFree | 0x8000, "DEFER_FREE|0x8000"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String(%d): got %q, want %q", tc.f, got, tc.want)
		}
	}
}
