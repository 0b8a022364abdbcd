// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package jrpc1 implements the JSON-RPC 1.0 wire protocol over a
// non-blocking byte stream, plus a reconnecting session built on top of
// it.
//
// # Messages
//
// The wire shape is the original JSON-RPC 1.0 object: "method", "params",
// "result", "error", and "id", where the type of a decoded [Message] is
// inferred from which of those members are present rather than declared
// up front. [Decode] and [Message.Encode] implement that shape table;
// [NewRequest], [NewNotify], [NewReply], and [NewError] construct each
// kind directly.
//
// # Connections
//
// A [Connection] wraps a [stream/Stream] (see package stream) and
// presents a single-threaded, non-blocking JSON-RPC channel: [Connection.Send]
// and [Connection.Recv] never block. Send queues the message and flushes
// what the stream accepts; Recv reports [ErrAgain] when no complete
// message is available yet. [Connection.Run] drives the output
// queue; [Connection.Wait] registers the Connection's readiness interest
// with a stream.Waiter. The blocking wrappers [Connection.SendBlock],
// [Connection.RecvBlock], and [Connection.TransactBlock] are thin retry
// loops built over that non-blocking core and package readypoll's
// adaptive-backoff primitive — no blocking behavior lives in the core
// itself.
//
// A Connection's status is a one-shot [Status] latch: once a Connection
// observes a fatal transport or protocol error, every subsequent
// operation reports the same error, and the Connection's stream is torn
// down.
//
//	conn := jrpc1.Open(s)
//	if err := conn.Send(jrpc1.NewNotify("tick", json.RawMessage("[]"))); err != nil {
//	    log.Fatalf("send: %v", err)
//	}
//
// # Sessions
//
// A [Session] layers a reconnect policy and an echo-based liveness probe
// on top of Connection, presenting a single logical connection whose
// underlying stream may be transparently replaced. [NewSession] retries
// indefinitely with exponential backoff; [NewUnreliableSession] wraps an
// already-open Connection that will not reconnect once it fails. Both
// expose the same [Session.Send]/[Session.SendBlock]/[Session.Recv]/
// [Session.RecvBlock] surface as Connection, plus [Session.State],
// [Session.Seqno], [Session.IsAlive], and [Session.ForceReconnect].
//
// Probe traffic (method "echo") is answered automatically and never
// surfaced to the caller of Recv/RecvBlock.
//
// # Metrics
//
// [Metrics] returns an expvar.Map of process-wide activity counters:
// messages sent/received, latch errors, and Session connect/retry/probe/
// give-up counts.
package jrpc1
