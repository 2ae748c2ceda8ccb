// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/gdp/transport"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func TestNetwork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := transport.NewNetwork()
		ctx := t.Context()

		if _, err := n.DialContext(ctx, "tcp", "router:1"); !errors.Is(err, transport.ErrRefused) {
			t.Fatalf("Dial before Listen: got %v, want ErrRefused", err)
		}

		lst, err := n.Listen("router:1")
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		if _, err := n.Listen("router:1"); err == nil {
			t.Error("Listen twice: got nil error")
		}

		g := taskgroup.New(nil)
		g.Go(func() error {
			conn, err := lst.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = io.Copy(conn, conn)
			return err
		})

		conn, err := n.DialContext(ctx, "tcp", "router:1")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if _, err := conn.Write([]byte("ping")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		var buf [4]byte
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:]) != "ping" {
			t.Errorf("Echo: got %q, want ping", buf[:])
		}
		conn.Close()
		if err := g.Wait(); err != nil {
			t.Errorf("Echo task: %v", err)
		}

		if err := lst.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Close twice: got %v, want ErrClosed", err)
		}
		if _, err := lst.Accept(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept after close: got %v, want ErrClosed", err)
		}
		if _, err := n.DialContext(ctx, "tcp", "router:1"); !errors.Is(err, transport.ErrRefused) {
			t.Errorf("Dial after close: got %v, want ErrRefused", err)
		}
	})
}

func TestNetworkDialCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := transport.NewNetwork()
		lst, err := n.Listen("idle")
		if err != nil {
			t.Fatal(err)
		}
		defer lst.Close()

		// Nobody accepts, so the dial waits until its context ends.
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		if _, err := n.DialContext(ctx, "tcp", "idle"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Dial: got %v, want DeadlineExceeded", err)
		}
	})
}

func TestTCP(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	accepted := taskgroup.Go(func() error {
		c, err := lst.Accept()
		if err == nil {
			c.Close()
		}
		return err
	})

	conn, err := transport.TCP{NoDelay: true, Timeout: 5 * time.Second}.DialContext(t.Context(), "tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	if err := accepted.Wait(); err != nil {
		t.Errorf("Accept: %v", err)
	}
}
