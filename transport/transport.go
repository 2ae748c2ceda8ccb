// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides the byte-stream transports a channel uses to
// reach its router.
//
// [TCP] dials real network connections. [Network] is an in-memory network of
// synchronous pipes, suitable for testing reconnection without sockets.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrRefused is reported when dialing an in-memory address with no listener.
var ErrRefused = errors.New("connection refused")

// TCP dials TCP connections to routers.
type TCP struct {
	// NoDelay, if true, disables Nagle batching on the connection.
	NoDelay bool

	// Timeout bounds each dial attempt; zero means no limit beyond ctx.
	Timeout time.Duration

	// KeepAlive is passed to net.Dialer; zero selects its default.
	KeepAlive time.Duration
}

// DialContext implements the dialer interface used by channels.
func (t TCP) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.Timeout, KeepAlive: t.KeepAlive}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(t.NoDelay); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// A Network is a collection of in-memory listeners addressed by string.
// Connections are synchronous [net.Pipe] pairs. The zero value is not ready
// for use; call [NewNetwork].
type Network struct {
	μ   sync.Mutex
	lst map[string]*listener
}

// NewNetwork constructs an empty in-memory network.
func NewNetwork() *Network { return &Network{lst: make(map[string]*listener)} }

// Listen creates a listener for addr. It is an error if addr already has an
// active listener.
func (n *Network) Listen(addr string) (net.Listener, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if _, ok := n.lst[addr]; ok {
		return nil, &net.OpError{Op: "listen", Net: "pipe", Addr: pipeAddr(addr), Err: errors.New("address in use")}
	}
	l := &listener{
		n:      n,
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	n.lst[addr] = l
	return l, nil
}

// DialContext connects to the listener for addr. The network name is ignored.
func (n *Network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	refused := &net.OpError{Op: "dial", Net: network, Addr: pipeAddr(addr), Err: ErrRefused}

	n.μ.Lock()
	l, ok := n.lst[addr]
	n.μ.Unlock()
	if !ok {
		return nil, refused
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, refused
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

type listener struct {
	n      *Network
	addr   string
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case c := <-l.conns:
		return c, nil
	}
}

func (l *listener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		err = nil
		close(l.closed)
		l.n.μ.Lock()
		defer l.n.μ.Unlock()
		if l.n.lst[l.addr] == l {
			delete(l.n.lst, l.addr)
		}
	})
	return err
}

func (l *listener) Addr() net.Addr { return pipeAddr(l.addr) }

type pipeAddr string

func (pipeAddr) Network() string  { return "pipe" }
func (a pipeAddr) String() string { return string(a) }
