// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creachadair/jrpc1/reconnect"
	"github.com/creachadair/jrpc1/readypoll"
	"github.com/creachadair/jrpc1/stream"
)

// echoID is the reserved JSON string id used for probe requests and
// recognized on their replies. Callers must not use it for their own
// requests (spec.md §6).
const echoMethod = "echo"

var echoID = IDString("echo")

// A State reports a Session's place in the connect/connecting/active
// lifecycle.
type State int

const (
	// Idle means no stream and no connection are held.
	Idle State = iota
	// Connecting means a stream is open but not yet writable.
	Connecting
	// Active means a Connection is established.
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Session wraps a Connection with a reconnect.Controller and an
// echo-based liveness probe, presenting a single always-available
// logical connection whose underlying stream may be transparently torn
// down and re-established. At most one of {active Connection,
// in-progress stream} is held at a time; Seqno increments once per
// connectivity transition, so callers can detect that the stream
// beneath them has been replaced.
//
// A Session is owned by exactly one cooperative task and is not safe
// for concurrent use.
type Session struct {
	ctrl      *reconnect.Controller
	connector stream.Connector
	name      string

	conn       *Connection
	connecting stream.Connecting

	seqno uint64

	logger *zap.Logger
}

// NewSession constructs a Session that dials name via connector,
// reconnecting indefinitely with exponential backoff whenever the
// underlying stream fails. The session starts in the Idle state; call
// Run to begin connecting.
func NewSession(connector stream.Connector, name string) *Session {
	now := time.Now()
	ctrl := reconnect.New(now)
	ctrl.SetName(name)
	ctrl.Enable(now)
	return &Session{
		ctrl:      ctrl,
		connector: connector,
		name:      name,
		logger:    zap.NewNop(),
	}
}

// NewUnreliableSession wraps an already-established Connection into a
// Session that starts Active and will not reconnect if conn fails,
// matching jsonrpc_session_open_unreliably in original_source/lib/jsonrpc.c.
func NewUnreliableSession(conn *Connection) *Session {
	now := time.Now()
	ctrl := reconnect.New(now)
	ctrl.SetName(conn.Name())
	ctrl.SetMaxTries(0)
	ctrl.Enable(now)
	ctrl.Connecting(now)
	ctrl.Connected(now)
	return &Session{
		ctrl:   ctrl,
		name:   conn.Name(),
		conn:   conn,
		logger: zap.NewNop(),
	}
}

// SetLogger installs a structured logger that the session passes to
// each Connection it holds, which logs its latch events. The session
// itself logs nothing. A nil logger is treated as a no-op logger.
func (sess *Session) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sess.logger = logger
	if sess.conn != nil {
		sess.conn.SetLogger(logger)
	}
}

// Name reports the session's name, passed through verbatim to the
// Connector.
func (sess *Session) Name() string { return sess.name }

// Seqno reports the session's current connectivity-transition counter.
func (sess *Session) Seqno() uint64 { return sess.seqno }

// State reports the session's current lifecycle state.
func (sess *Session) State() State {
	switch {
	case sess.conn != nil:
		return Active
	case sess.connecting != nil:
		return Connecting
	default:
		return Idle
	}
}

// IsConnected reports whether the session currently holds an
// established Connection.
func (sess *Session) IsConnected() bool { return sess.conn != nil }

// IsAlive reports whether the session is connected, in the process of
// connecting, or still eligible to retry — i.e. whether it has not
// permanently given up after exhausting its retry budget.
func (sess *Session) IsAlive() bool {
	return sess.conn != nil || sess.connecting != nil || sess.ctrl.Alive()
}

// ForceReconnect requests that the session tear down its current
// stream or connection (if any) and reconnect immediately.
func (sess *Session) ForceReconnect() { sess.ctrl.ForceReconnect(time.Now()) }

// Close tears down whatever the session owns: its active Connection or
// in-progress stream, and its controller.
func (sess *Session) Close() error {
	var err error
	if sess.conn != nil {
		err = sess.conn.Close()
		sess.conn = nil
	}
	if sess.connecting != nil {
		if cerr := sess.connecting.Close(); err == nil {
			err = cerr
		}
		sess.connecting = nil
	}
	return err
}

// Send forwards msg to the active Connection. It returns ErrNotConn if
// the session is not Active.
func (sess *Session) Send(msg *Message) error {
	if sess.conn == nil {
		return ErrNotConn
	}
	return sess.conn.Send(msg)
}

// SendBlock blocks until the session becomes Active and msg has been
// fully flushed to its Connection, advancing reconnection in the
// meantime. It returns ErrNotConn once the session has permanently
// given up (see IsAlive).
func (sess *Session) SendBlock(ctx context.Context, msg *Message) error {
	var l readypoll.Loop
	for {
		sess.Run()
		if sess.conn != nil {
			return sess.conn.SendBlock(ctx, msg)
		}
		if !sess.IsAlive() {
			return ErrNotConn
		}
		sess.runWait(&l)
		if err := l.Block(ctx); err != nil {
			return err
		}
	}
}

// Recv returns the next Message delivered to the caller, or (nil,
// ErrAgain) if none is ready. Echo probe traffic is intercepted and
// never returned: a Request for method "echo" is answered automatically,
// and a Reply whose id is the reserved echo id is dropped silently.
func (sess *Session) Recv() (*Message, error) {
	if sess.conn == nil {
		return nil, ErrAgain
	}
	for {
		m, err := sess.conn.Recv()
		if err != nil {
			return nil, err
		}
		sess.ctrl.Received(time.Now())

		if m.Type == Request && m.Method == echoMethod {
			reply := NewReply(cloneRaw(m.Params), cloneRaw(m.ID))
			sess.conn.Send(reply)
			continue
		}
		if m.Type == Reply && equalJSON(m.ID, echoID) {
			continue
		}
		return m, nil
	}
}

// RecvBlock blocks until a Message is delivered to the caller (see
// Recv's probe-interception rules) or the session permanently gives up
// (see IsAlive). Reconnection proceeds transparently while blocked.
func (sess *Session) RecvBlock(ctx context.Context) (*Message, error) {
	var l readypoll.Loop
	for {
		sess.Run()
		if sess.conn != nil {
			m, err := sess.Recv()
			if err == nil {
				return m, nil
			}
			if err != ErrAgain {
				return nil, err
			}
		}
		if !sess.IsAlive() {
			return nil, ErrNotConn
		}
		sess.runWait(&l)
		if err := l.Block(ctx); err != nil {
			return nil, err
		}
	}
}

// runWait registers the session's current readiness interest for use
// by a *Block wrapper's next loop iteration.
func (sess *Session) runWait(l *readypoll.Loop) {
	switch sess.State() {
	case Active:
		sess.conn.RecvWait(l)
	case Connecting:
		sess.connecting.Wait(l, true)
	default:
		l.WakeNow()
	}
}

// Run advances the session's state machine by one step: it drives
// whichever of {Idle, Connecting, Active} it is in, then consults the
// reconnect controller for its next advisory command and acts on it.
func (sess *Session) Run() {
	now := time.Now()

	switch sess.State() {
	case Connecting:
		if err := sess.connecting.Connect(); err == nil {
			sess.promote(now)
		} else if err != stream.ErrWouldBlock {
			sess.connecting.Close()
			sess.connecting = nil
			sess.ctrl.ConnectFailed(now, err)
		}

	case Active:
		sess.conn.Run()
		if err := sess.conn.Status().AsError(); err != nil {
			sess.conn.Close()
			sess.conn = nil
			sess.seqno++
			sess.ctrl.Disconnected(now, err)
			if !sess.ctrl.Alive() {
				rootMetrics.sessionGiveUp.Add(1)
			}
		}
	}

	switch sess.ctrl.Run(now) {
	case reconnect.Connect:
		if sess.ctrl.Tries() > 0 {
			rootMetrics.sessionRetry.Add(1)
		}
		sess.teardown()
		sess.seqno++
		s, err := sess.connector.Open(sess.name)
		if err != nil {
			sess.ctrl.ConnectFailed(now, err)
			if !sess.ctrl.Alive() {
				rootMetrics.sessionGiveUp.Add(1)
			}
			return
		}
		sess.connecting = stream.AsConnecting(s)
		sess.ctrl.Connecting(now)
		// The actual Connect poll happens on the next Run, via the
		// Connecting case above; this keeps the polling logic in one
		// place regardless of how the stream first became connecting.

	case reconnect.Disconnect:
		// The controller has already reset itself to reconnect on its
		// next Run; just tear down locally.
		sess.teardown()
		sess.seqno++

	case reconnect.Probe:
		if sess.conn != nil {
			sess.conn.ids.allocate() // consumed and discarded, per the probe contract
			sess.conn.Send(NewRequest(echoMethod, jsonEmptyArray, cloneRaw(echoID)))
			rootMetrics.sessionProbe.Add(1)
		}
	}
}

var jsonEmptyArray = json.RawMessage("[]")

func (sess *Session) promote(now time.Time) {
	sess.conn = Open(sess.connecting)
	sess.conn.SetLogger(sess.logger)
	sess.connecting = nil
	sess.ctrl.Connected(now)
	rootMetrics.sessionConnect.Add(1)
}

func (sess *Session) teardown() {
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	if sess.connecting != nil {
		sess.connecting.Close()
		sess.connecting = nil
	}
}

// Wait registers the session's readiness interest: the active
// Connection's, the in-progress stream's, or (if Idle) nothing beyond
// the controller's own timer, which the caller should consult via a
// bounded block rather than an unbounded one.
func (sess *Session) Wait(w stream.Waiter) {
	switch sess.State() {
	case Active:
		sess.conn.Wait(w)
	case Connecting:
		sess.connecting.Wait(w, true)
	}
}
