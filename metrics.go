// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package natter

import "expvar"

// peerMetrics record engine activity counters.
type peerMetrics struct {
	datagramRecv    expvar.Int
	datagramSent    expvar.Int
	sendFailed      expvar.Int // sends reporting an error
	dropMalformed   expvar.Int // datagrams that did not parse
	dropSelfEcho    expvar.Int // datagrams claiming the local identity
	dropMisdirected expvar.Int // private messages for another target
	storeFailed     expvar.Int // directory mutations that failed to persist

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("datagrams_received", &pm.datagramRecv)
	pm.emap.Set("datagrams_sent", &pm.datagramSent)
	pm.emap.Set("sends_failed", &pm.sendFailed)
	pm.emap.Set("drops_malformed", &pm.dropMalformed)
	pm.emap.Set("drops_self_echo", &pm.dropSelfEcho)
	pm.emap.Set("drops_misdirected", &pm.dropMisdirected)
	pm.emap.Set("store_failed", &pm.storeFailed)
	return pm
}
