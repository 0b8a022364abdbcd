// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/jrpc1"
	"github.com/creachadair/jrpc1/stream"
)

// pairConnector hands out one pre-built stream.Stream per Open call, in
// the order they were queued, so a test can control exactly what a
// Session sees each time it (re)connects.
type pairConnector struct {
	streams []stream.Stream
	opened  int
}

func (c *pairConnector) push(s stream.Stream) { c.streams = append(c.streams, s) }

func (c *pairConnector) Open(name string) (stream.Stream, error) {
	if c.opened >= len(c.streams) {
		return nil, errors.New("pairConnector: no more streams queued")
	}
	s := c.streams[c.opened]
	c.opened++
	return s, nil
}

func runUntilActive(t *testing.T, sess *jrpc1.Session, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for sess.State() != jrpc1.Active {
		if time.Now().After(end) {
			t.Fatalf("session did not become Active within %v (state=%v)", deadline, sess.State())
		}
		sess.Run()
		time.Sleep(time.Millisecond)
	}
}

func TestSessionConnectsAndBecomesActive(t *testing.T) {
	a, b := stream.Pipe()
	conn := &pairConnector{}
	conn.push(a)

	sess := jrpc1.NewSession(conn, "peer")
	defer sess.Close()

	if sess.State() != jrpc1.Idle {
		t.Fatalf("initial State: got %v, want Idle", sess.State())
	}
	runUntilActive(t, sess, time.Second)
	if !sess.IsConnected() {
		t.Fatalf("IsConnected: got false after reaching Active")
	}

	peer := jrpc1.Open(b)
	defer peer.Close()
	if err := sess.Send(jrpc1.NewNotify("tick", []byte(`[]`))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got *jrpc1.Message
	for got == nil {
		m, err := peer.Recv()
		if err == jrpc1.ErrAgain {
			continue
		}
		if err != nil {
			t.Fatalf("peer Recv: %v", err)
		}
		got = m
	}
	if got.Method != "tick" {
		t.Fatalf("peer Recv: got method %q, want tick", got.Method)
	}
}

func TestSessionSeqnoIncrementsAcrossReconnect(t *testing.T) {
	a1, b1 := stream.Pipe()
	a2, _ := stream.Pipe()
	conn := &pairConnector{}
	conn.push(a1)
	conn.push(a2)

	sess := jrpc1.NewSession(conn, "peer")
	defer sess.Close()

	runUntilActive(t, sess, time.Second)
	first := sess.Seqno()
	if first == 0 {
		t.Fatalf("Seqno after first connect: got 0, want nonzero")
	}

	b1.Close() // peer hangs up; session should notice and reconnect
	end := time.Now().Add(2 * time.Second)
	for sess.Seqno() == first {
		if time.Now().After(end) {
			t.Fatalf("Seqno did not advance after disconnect within budget")
		}
		sess.Recv() // surfaces the EOF onto the Connection's latched status
		sess.Run()
		time.Sleep(time.Millisecond)
	}
}

func TestSessionEchoProbeIsIntercepted(t *testing.T) {
	a, b := stream.Pipe()
	peer := jrpc1.Open(b)
	defer peer.Close()

	sess := jrpc1.NewUnreliableSession(jrpc1.Open(a))
	defer sess.Close()

	// A request for method "echo" addressed to the session must be
	// answered automatically and never handed to the caller.
	if err := peer.Send(jrpc1.NewRequest("echo", []byte(`[]`), jrpc1.IDString("probe-1"))); err != nil {
		t.Fatalf("peer Send: %v", err)
	}

	replyCh := make(chan *jrpc1.Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m, err := peer.RecvBlock(ctx)
		if err == nil {
			replyCh <- m
		}
	}()

	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		if m, err := sess.Recv(); err == nil {
			t.Fatalf("Session.Recv surfaced the echo request to the caller: %+v", m)
		}
		select {
		case reply := <-replyCh:
			if reply.Type != jrpc1.Reply {
				t.Fatalf("echo reply: got Type %v, want Reply", reply.Type)
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("peer never received an automatic echo reply")
}

func TestSessionProbeReplyIsDropped(t *testing.T) {
	a, b := stream.Pipe()
	peer := jrpc1.Open(b)
	defer peer.Close()

	sess := jrpc1.NewUnreliableSession(jrpc1.Open(a))
	defer sess.Close()

	// A reply carrying the reserved probe id must be silently dropped,
	// and an ordinary message after it must still be delivered.
	if err := peer.Send(jrpc1.NewReply([]byte(`[]`), jrpc1.IDString("echo"))); err != nil {
		t.Fatalf("peer Send (probe reply): %v", err)
	}
	if err := peer.Send(jrpc1.NewNotify("tick", []byte(`[]`))); err != nil {
		t.Fatalf("peer Send (tick): %v", err)
	}

	var got *jrpc1.Message
	for got == nil {
		m, err := sess.Recv()
		if err == jrpc1.ErrAgain {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Session.Recv: %v", err)
		}
		got = m
	}
	if got.Method != "tick" {
		t.Fatalf("Session.Recv: got method %q, want tick (probe reply should have been skipped)", got.Method)
	}
}

func TestUnreliableSessionNeverRetries(t *testing.T) {
	a, b := stream.Pipe()
	sess := jrpc1.NewUnreliableSession(jrpc1.Open(a))
	defer sess.Close()

	if sess.State() != jrpc1.Active {
		t.Fatalf("initial State: got %v, want Active", sess.State())
	}

	b.Close() // peer hangs up; an unreliable session must give up, not retry

	end := time.Now().Add(time.Second)
	for sess.IsAlive() {
		if time.Now().After(end) {
			t.Fatalf("session remained alive past its retry budget")
		}
		sess.Recv() // surfaces the EOF onto the Connection's latched status
		sess.Run()
		time.Sleep(time.Millisecond)
	}
	if sess.State() != jrpc1.Idle {
		t.Fatalf("State after giving up: got %v, want Idle", sess.State())
	}
	if err := sess.Send(jrpc1.NewNotify("tick", []byte(`[]`))); !errors.Is(err, jrpc1.ErrNotConn) {
		t.Fatalf("Send after giving up: got %v, want ErrNotConn", err)
	}
}

func TestSessionForceReconnect(t *testing.T) {
	a1, b1 := stream.Pipe()
	a2, _ := stream.Pipe()
	conn := &pairConnector{}
	conn.push(a1)
	conn.push(a2)

	sess := jrpc1.NewSession(conn, "peer")
	defer sess.Close()

	runUntilActive(t, sess, time.Second)
	first := sess.Seqno()

	sess.ForceReconnect()
	end := time.Now().Add(time.Second)
	for sess.Seqno() == first {
		if time.Now().After(end) {
			t.Fatalf("ForceReconnect did not advance Seqno within budget")
		}
		sess.Run()
		time.Sleep(time.Millisecond)
	}

	defer b1.Close()
}
