// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package router implements a minimal in-process GDP router, suitable for
// testing channels and for local experiments.
//
// The router accepts channel connections, records the names each connection
// advertises, and forwards REGULAR and FORWARD PDUs to the connection that
// advertised their destination. A PDU with no route is answered with a
// NAK_NOROUTE PDU whose source is the unreachable destination.
package router

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Router routes PDUs among connected channels. A zero Router is not ready
// for use; call New to construct one.
type Router struct {
	name name.Name
	log  zerolog.Logger

	μ      sync.Mutex
	routes map[name.Name]*conn // advertised name → connection
	conns  map[*conn]struct{}  // live connections
}

// New constructs a router with the given name.
func New(rname name.Name, log zerolog.Logger) *Router {
	return &Router{
		name:   rname,
		log:    log.With().Str("component", "router").Str("router", rname.Short()).Logger(),
		routes: make(map[name.Name]*conn),
		conns:  make(map[*conn]struct{}),
	}
}

// Name reports the name of r.
func (r *Router) Name() name.Name { return r.name }

// Routes reports the names currently advertised to r.
func (r *Router) Routes() []name.Name {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]name.Name, 0, len(r.routes))
	for n := range r.routes {
		out = append(out, n)
	}
	return out
}

// HasRoute reports whether n is currently advertised to r.
func (r *Router) HasRoute(n name.Name) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	_, ok := r.routes[n]
	return ok
}

// NumConns reports the number of live connections to r.
func (r *Router) NumConns() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.conns)
}

// Disconnect closes all live connections to r, without stopping r.
func (r *Router) Disconnect() {
	r.μ.Lock()
	defer r.μ.Unlock()
	for c := range r.conns {
		c.Close()
	}
}

// Serve accepts connections from lst and serves each in a goroutine. Serve
// continues until lst closes or ctx ends. When ctx ends, lst is closed and
// all connections are dropped. Serve waits for its connections to finish
// before returning.
func (r *Router) Serve(ctx context.Context, lst net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A net.Listener does not obey a context, so close it when ctx ends.
	stop := context.AfterFunc(ctx, func() { lst.Close() })
	defer stop()

	g := taskgroup.New(nil)
	for {
		nc, err := lst.Accept()
		if err != nil {
			cancel()
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.Go(func() error { return r.ServeConn(ctx, nc) })
	}
}

// ServeConn serves a single connection until it fails or ctx ends.
// It reports nil if the connection ended normally.
func (r *Router) ServeConn(ctx context.Context, nc net.Conn) error {
	c := &conn{Conn: nc}
	r.μ.Lock()
	r.conns[c] = struct{}{}
	r.μ.Unlock()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer func() {
		stop()
		c.Close()
		r.drop(c)
	}()

	log := r.log.With().Stringer("peer", nc.RemoteAddr()).Logger()
	log.Debug().Msg("connection accepted")
	rd := pdu.NewReader(nc)
	for {
		p, err := rd.Next()
		if de := (*pdu.DecodeError)(nil); errors.As(err, &de) {
			log.Debug().Err(err).Msg("discarded corrupt PDU")
			continue
		} else if err != nil {
			log.Debug().Err(err).Msg("connection ended")
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		r.route(log, c, p)
	}
}

func (r *Router) route(log zerolog.Logger, from *conn, p *pdu.PDU) {
	switch p.Type {
	case pdu.Advertise:
		r.μ.Lock()
		r.routes[p.Src] = from
		r.μ.Unlock()
		log.Debug().Str("name", p.Src.Short()).Msg("advertise")

	case pdu.Withdraw:
		r.μ.Lock()
		if r.routes[p.Src] == from {
			delete(r.routes, p.Src)
		}
		r.μ.Unlock()
		log.Debug().Str("name", p.Src.Short()).Msg("withdraw")

	case pdu.Regular, pdu.Forward:
		r.μ.Lock()
		to, ok := r.routes[p.Dst]
		r.μ.Unlock()
		if ok {
			fwd := *p
			fwd.Type = pdu.Regular
			if err := to.send(&fwd); err != nil {
				log.Debug().Err(err).Msg("forward failed")
			}
			return
		}
		log.Debug().Str("dst", p.Dst.Short()).Msg("no route")
		nak := &pdu.PDU{Header: pdu.Header{
			Type:  pdu.NakNoRoute,
			TTL:   p.TTL,
			SeqNo: p.SeqNo,
			Dst:   p.Src,
			Src:   p.Dst,
		}}
		if err := from.send(nak); err != nil {
			log.Debug().Err(err).Msg("reply failed")
		}

	default:
		log.Debug().Stringer("type", p.Type).Msg("ignored PDU")
	}
}

// drop removes c and any routes it advertised.
func (r *Router) drop(c *conn) {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.conns, c)
	for n, rc := range r.routes {
		if rc == c {
			delete(r.routes, n)
		}
	}
}

// conn is a connection to a router client.
type conn struct {
	net.Conn

	// Must hold the lock to write.
	wμ sync.Mutex
}

func (c *conn) send(p *pdu.PDU) error {
	c.wμ.Lock()
	defer c.wμ.Unlock()
	_, err := p.WriteTo(c.Conn)
	return err
}
