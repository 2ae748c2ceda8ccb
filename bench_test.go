// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/creachadair/gdp"
	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
	"github.com/creachadair/gdp/router"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

func BenchmarkSend(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Encode", func(b *testing.B) {
		p := &pdu.PDU{
			Header:  pdu.Header{Type: pdu.Regular, Dst: name.Hash("dst"), Src: name.Hash("src")},
			Payload: payload,
		}
		for b.Loop() {
			if _, err := p.Encode(); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("Router-empty", func(b *testing.B) { runBench(b, nil) })
	b.Run("Router-payload", func(b *testing.B) { runBench(b, payload) })
}

// runBench sends PDUs from one channel to another through a loopback router,
// waiting for each to be delivered.
func runBench(b *testing.B, data []byte) {
	b.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatalf("Listen: %v", err)
	}
	rtr := router.New(name.Hash("bench.router"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)
	g.Go(func() error { return rtr.Serve(ctx, lst) })
	defer func() { cancel(); g.Wait() }()

	opts := gdp.Options{Routers: lst.Addr().String(), NagleDisable: true}
	src, err := gdp.Dial(ctx, opts)
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer src.Close()
	dst, err := gdp.Dial(ctx, opts)
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer dst.Close()

	dstName := name.Hash("bench.dst")
	if err := dst.Advertise(dstName); err != nil {
		b.Fatalf("Advertise: %v", err)
	}
	for !rtr.HasRoute(dstName) {
		time.Sleep(time.Millisecond)
	}

	p := &pdu.PDU{
		Header:  pdu.Header{Type: pdu.Regular, Dst: dstName, Src: name.Hash("bench.src")},
		Payload: data,
	}
	for b.Loop() {
		if err := src.Send(p); err != nil {
			b.Fatal(err)
		}
		for {
			ev, err := dst.Recv(ctx)
			if err != nil {
				b.Fatal(err)
			}
			if ev.Kind == gdp.EventReceived {
				break
			}
		}
	}
}
