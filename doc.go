// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package gdp implements the data-plane client of the Global Data Plane: a
// channel between a process and a GDP router.
//
// Objects and processes in the GDP are identified by 256-bit names (see the
// name package). Routers deliver protocol data units between names. A process
// connects to a router, advertises the names it serves, and then exchanges
// PDUs (see the pdu package) with other names through the router.
//
// # Channels
//
// The core type defined by this package is the [Channel]. To create and open
// a channel to the first reachable router in a list:
//
//	ch, err := gdp.Dial(ctx, gdp.Options{
//	   Routers: "127.0.0.1:8007; [::1]:8007/edu.berkeley.router",
//	})
//	if err != nil {
//	   log.Fatalf("Dial: %v", err)
//	}
//	defer ch.Close()
//
// Router addresses have the form host[:port][/routername], and are tried in
// order. A channel built from a [config.Config] via [OptionsFromConfig] also
// consults local network discovery, if enabled.
//
// Once open, a channel keeps itself connected: when the connection to its
// router fails, the channel reconnects according to its [RetryPolicy], and
// re-advertises every name it serves on the new connection.
//
// # Advertisements
//
// To make a name reachable through the router:
//
//	if err := ch.Advertise(name.Hash("edu.berkeley.myobject")); err != nil {
//	   log.Printf("Advertise: %v", err)
//	}
//
// The channel remembers the names it serves. If an advertisement cannot be
// sent, it remains pending and is retried on the next advertisement or
// reconnection. Set [Options.OnAdvertise] to send additional advertisements
// for each new connection.
//
// # Sending and Receiving
//
// To send a PDU, fill in its header and call [Channel.Send]:
//
//	err := ch.Send(&pdu.PDU{
//	   Header:  pdu.Header{Type: pdu.Regular, Dst: dst, Src: src},
//	   Payload: data,
//	})
//
// Everything the channel observes is reported as an [Event]: received PDUs,
// state transitions, routing errors, corrupt input, disconnections. Events
// are delivered in order by [Channel.Recv], or as a sequence by
// [Channel.Events]:
//
//	for ev := range ch.Events(ctx) {
//	   switch ev.Kind {
//	   case gdp.EventReceived:
//	      handle(ev.PDU)
//	   case gdp.EventRouterError:
//	      log.Printf("No route to %v", ev.PDU.Src)
//	   }
//	}
//
// The last event delivered by a channel is EventClosing.
//
// # Metrics
//
// Channels maintain a collection of metrics while running. Use the
// [Channel.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the channel. Metrics are shared among all channels in the
// process.
//
// The metrics exported include:
//
//   - pdus_received: counter of PDUs received from routers
//   - pdus_sent: counter of PDUs written to routers
//   - pdus_corrupt: counter of corrupt or unexpected PDUs discarded
//   - noroute: counter of NAK_NOROUTE replies received
//   - connects: counter of successful router connections
//   - connect_failures: counter of failed connection attempts
//   - reconnects: counter of successful reconnections
//   - disconnects: counter of lost router connections
package gdp
