// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import "expvar"

// chanMetrics record channel activity counters.
type chanMetrics struct {
	pdusReceived    expvar.Int // REGULAR PDUs delivered
	pdusSent        expvar.Int
	pdusCorrupt     expvar.Int // malformed or unexpected PDUs discarded
	noRoute         expvar.Int // NAK_NOROUTE reports from the router
	connects        expvar.Int
	connectFailures expvar.Int
	reconnects      expvar.Int
	disconnects     expvar.Int

	emap *expvar.Map
}

var channelMetrics = newChanMetrics()

func newChanMetrics() *chanMetrics {
	cm := &chanMetrics{emap: new(expvar.Map)}
	cm.emap.Set("pdus_received", &cm.pdusReceived)
	cm.emap.Set("pdus_sent", &cm.pdusSent)
	cm.emap.Set("pdus_corrupt", &cm.pdusCorrupt)
	cm.emap.Set("noroute", &cm.noRoute)
	cm.emap.Set("connects", &cm.connects)
	cm.emap.Set("connect_failures", &cm.connectFailures)
	cm.emap.Set("reconnects", &cm.reconnects)
	cm.emap.Set("disconnects", &cm.disconnects)
	return cm
}
