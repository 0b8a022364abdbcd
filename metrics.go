// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

import "expvar"

// connMetrics records per-process activity counters shared across all
// Connections and Sessions, exported via the package's Metrics map.
type connMetrics struct {
	messagesSent   expvar.Int
	messagesRecv   expvar.Int
	latchErrors    expvar.Int
	sessionConnect expvar.Int // successful Session connects
	sessionRetry   expvar.Int // Session reconnect attempts after a failure
	sessionProbe   expvar.Int // liveness probes sent by a Session
	sessionGiveUp  expvar.Int // Sessions that exhausted their retry budget

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	m := &connMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.messagesSent)
	m.emap.Set("messages_received", &m.messagesRecv)
	m.emap.Set("latch_errors", &m.latchErrors)
	m.emap.Set("session_connects", &m.sessionConnect)
	m.emap.Set("session_retries", &m.sessionRetry)
	m.emap.Set("session_probes", &m.sessionProbe)
	m.emap.Set("session_give_ups", &m.sessionGiveUp)
	return m
}

// Metrics returns the expvar.Map of process-wide jrpc1 activity counters:
//
//   - messages_sent: count of Messages successfully enqueued by Send
//   - messages_received: count of Messages successfully decoded by Recv
//   - latch_errors: count of Connections that latched a terminal error
//   - session_connects: count of Sessions reaching the Active state
//   - session_retries: count of Session reconnect attempts after failure
//   - session_probes: count of liveness probes a Session has sent
//   - session_give_ups: count of Sessions that exhausted their retry budget
func Metrics() *expvar.Map { return rootMetrics.emap }
