// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package readypoll implements a minimal readiness block primitive for
// the *_block wrappers of Connection and Session (spec.md §4.2/§9:
// "Build send_block/recv_block/transact_block as thin loops over the
// non-blocking core plus a single readiness primitive; do not push
// blocking into the core.").
//
// Real OS-level readiness (epoll, kqueue) is explicitly out of scope
// (spec.md §1): a production deployment would plug a platform poller in
// behind the stream.Waiter interface. readypoll instead offers an
// adaptive-backoff Loop, the same shape as the iox.Backoff-driven
// dispatchWait loop observed in the examples pack (hayabusa-cloud-sess
// session.go), reimplemented locally since iox is not part of this
// module's dependency graph.
package readypoll

import (
	"context"
	"time"

	"github.com/creachadair/jrpc1/stream"
)

// Loop is a stream.Waiter that accumulates registrations from one
// iteration of Wait calls, then Blocks until either its own adaptive
// timeout elapses or ctx ends. Each Connection/Session call to Wait
// should be followed by exactly one Block call before the next
// non-blocking retry.
//
// The zero Loop is ready for use.
type Loop struct {
	wantRead  bool
	wantWrite bool
	immediate bool // set by WakeNow to force a zero-wait return

	backoff time.Duration
}

const (
	minBackoff = 200 * time.Microsecond
	maxBackoff = 20 * time.Millisecond
)

// WaitReadable implements stream.Waiter.
func (l *Loop) WaitReadable(stream.Stream) { l.wantRead = true }

// WaitWritable implements stream.Waiter.
func (l *Loop) WaitWritable(stream.Stream) { l.wantWrite = true }

// WakeNow requests that the next Block return immediately, matching
// poll_immediate_wake in spec.md's recv_wait: used when a Connection or
// Session already has work ready (a latched status, a staged message,
// or buffered input) and should not actually sleep.
func (l *Loop) WakeNow() { l.immediate = true }

// Block waits for readiness or for ctx to end, then clears the
// accumulated registrations so the Loop is ready for the next round.
// It uses an adaptive backoff that grows towards maxBackoff when no
// immediate wake was requested, and resets to minBackoff whenever
// WakeNow was called, so a busy Connection is not starved by a slow
// poll cadence.
func (l *Loop) Block(ctx context.Context) error {
	defer l.reset()

	if l.immediate || (!l.wantRead && !l.wantWrite) {
		l.backoff = minBackoff
		return nil
	}

	if l.backoff == 0 {
		l.backoff = minBackoff
	}
	t := time.NewTimer(l.backoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		l.backoff = min(l.backoff*2, maxBackoff)
		return nil
	}
}

func (l *Loop) reset() {
	l.wantRead = false
	l.wantWrite = false
	l.immediate = false
}
