// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/creachadair/mds/value"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/creachadair/jrpc1/internal/jparse"
	"github.com/creachadair/jrpc1/readypoll"
	"github.com/creachadair/jrpc1/stream"
)

// outBuf is one queued, partially-sent outbound buffer.
type outBuf struct {
	data []byte
	sent int // bytes of data already written to the stream
}

func (b *outBuf) remaining() []byte { return b.data[b.sent:] }
func (b *outBuf) done() bool        { return b.sent >= len(b.data) }

// Direction identifies which way a Message travelled across a
// Connection, for use with LogMessages.
type Direction bool

const (
	// Sent means the message was transmitted to the peer.
	Sent Direction = true
	// Received means the message arrived from the peer.
	Received Direction = false
)

func (d Direction) String() string { return value.Cond(d == Sent, "send", "recv") }

// A Connection is a single full-duplex JSON-RPC 1.0 channel layered
// over a stream.Stream. All of its methods are non-blocking except the
// *Block wrappers; a Connection is owned by exactly one cooperative
// task and is not safe for concurrent use.
//
// A zero Connection is not ready for use; construct one with Open.
type Connection struct {
	s    stream.Stream
	name string

	status Status

	inbuf  []byte // bytes read from the stream, not yet fed to the parser
	parser *jparse.Parser
	staged *Message // at most one; awaits the caller's Recv

	out     []*outBuf
	backlog int

	ids idAllocator

	logger  *zap.Logger
	limiter *rate.Limiter
	logMsg  func(Direction, *Message)
}

const inbufCapacity = 4096

// Open takes ownership of an already-constructed stream and returns a
// healthy Connection named after the stream's target.
func Open(s stream.Stream) *Connection {
	return &Connection{
		s:       s,
		name:    s.Name(),
		parser:  jparse.New(),
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(rate.Every(errorLogWindow/errorLogBurst), errorLogBurst),
	}
}

// errorLogBurst and errorLogWindow configure the rate limiter gating
// warn-level latch logging: 5 events per 5 seconds, spec.md §7's
// suggested rate.
const (
	errorLogBurst  = 5
	errorLogWindow = 5 * time.Second
)

// SetLogger installs a structured logger for latch/protocol-error
// events. A nil logger is treated as a no-op logger.
func (c *Connection) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// LogMessages installs a debug hook called once for each Message sent
// or received, after validation succeeds. Passing nil disables it. This
// mirrors the verbosity-gated packet logging of jsonrpc_log_msg in
// original_source/lib/jsonrpc.c, generalized from a global log level to
// an explicit per-Connection callback.
func (c *Connection) LogMessages(f func(Direction, *Message)) { c.logMsg = f }

// Name reports the Connection's human-readable identifier, derived from
// its stream's target.
func (c *Connection) Name() string { return c.name }

// Status reports the Connection's latched terminal status. A healthy
// Connection returns the zero Status.
func (c *Connection) Status() Status { return c.status }

// Backlog reports the total unsent bytes across all queued outbound
// buffers.
func (c *Connection) Backlog() int { return c.backlog }

// Close releases the Connection's stream and other owned resources.
// After Close returns, the Connection is unusable.
func (c *Connection) Close() error {
	c.status.latch(ErrNotConn)
	c.out = nil
	c.backlog = 0
	c.staged = nil
	if c.s != nil {
		err := c.s.Close()
		c.s = nil
		return err
	}
	return nil
}

// Fail forces the Connection's status to latch as err, tearing down its
// stream. It has no effect if the Connection is already latched. This
// is the jrpc1 name for the operation spec.md calls "error(conn, errno)".
func (c *Connection) Fail(err error) {
	if err == nil {
		panic("jrpc1: Fail with nil error")
	}
	c.latch(err)
}

func (c *Connection) latch(err error) {
	if !c.status.latch(err) {
		return
	}
	rootMetrics.latchErrors.Add(1)
	if c.limiter.Allow() {
		c.logger.Warn("connection failed",
			zap.String("name", c.name),
			zap.Error(err))
	}
	if c.s != nil {
		c.s.Close()
		c.s = nil
	}
	c.out = nil
	c.backlog = 0
	c.staged = nil
}

// NewRequest constructs a Request message for method with the given
// params, assigning its id from the Connection's own monotonically
// increasing counter (spec.md §4.1: "Requests created internally
// assign ids from a... monotonically increasing unsigned counter"),
// matching jsonrpc_create_request's auto-generated id in
// original_source/lib/jsonrpc.c. Callers that need to correlate the
// reply themselves (e.g. TransactBlock) should keep the returned
// Message's id rather than inventing their own.
func (c *Connection) NewRequest(method string, params json.RawMessage) *Message {
	return NewRequest(method, params, c.ids.allocate())
}

// Send serializes msg and enqueues it for delivery, attempting one
// non-blocking flush if the queue was previously empty. It returns the
// latched status if the Connection is already unhealthy, or if the
// attempted flush discovers a fatal error.
func (c *Connection) Send(msg *Message) error {
	if err := c.status.AsError(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		c.latch(fmt.Errorf("%w: %v", ErrProto, err))
		return c.status.AsError()
	}

	firstBuffer := len(c.out) == 0
	buf := &outBuf{data: data}
	c.out = append(c.out, buf)
	c.backlog += len(data)

	rootMetrics.messagesSent.Add(1)
	if c.logMsg != nil {
		c.logMsg(Sent, msg)
	}

	if firstBuffer {
		c.Run()
	}
	return c.status.AsError()
}

// Run flushes as much of the output queue as the stream accepts
// without blocking. It stops at the first ErrWouldBlock, and latches
// (then returns) any other transport error.
func (c *Connection) Run() error {
	if err := c.status.AsError(); err != nil {
		return err
	}
	for len(c.out) > 0 {
		buf := c.out[0]
		n, err := c.s.Send(buf.remaining())
		if n > 0 {
			buf.sent += n
			c.backlog -= n
		}
		if err != nil {
			if err == stream.ErrWouldBlock {
				return nil
			}
			c.latch(err)
			return c.status.AsError()
		}
		if buf.done() {
			c.out = c.out[1:]
		}
	}
	return nil
}

// Recv attempts to produce the next Message without blocking. It
// returns (nil, ErrAgain) when no complete message is yet available,
// and the latched status on any I/O or protocol error.
func (c *Connection) Recv() (*Message, error) {
	if err := c.status.AsError(); err != nil {
		return nil, err
	}
	if c.staged != nil {
		m := c.staged
		c.staged = nil
		return m, nil
	}

	for {
		if !c.parser.Done() {
			if len(c.inbuf) == 0 {
				buf := make([]byte, inbufCapacity)
				n, err := c.s.Recv(buf)
				if n > 0 {
					c.inbuf = buf[:n]
				}
				if err != nil {
					if err == stream.ErrWouldBlock {
						if len(c.inbuf) == 0 {
							return nil, ErrAgain
						}
					} else if isEOF(err) {
						c.latch(ErrEOF)
						return nil, c.status.AsError()
					} else {
						c.latch(err)
						return nil, c.status.AsError()
					}
				} else if n == 0 {
					c.latch(ErrEOF)
					return nil, c.status.AsError()
				}
			}
			if len(c.inbuf) > 0 {
				n, err := c.parser.Feed(c.inbuf)
				c.inbuf = c.inbuf[n:]
				if err != nil {
					c.latch(fmt.Errorf("%w: %v", ErrProto, err))
					return nil, c.status.AsError()
				}
				if n == 0 && !c.parser.Done() {
					// The parser made no progress and has no finished
					// value: there is nothing more to do until more
					// bytes arrive.
					return nil, ErrAgain
				}
			} else {
				return nil, ErrAgain
			}
		}

		if c.parser.Done() {
			raw, _ := c.parser.Finish()
			if looksLikeJSONString(raw) {
				c.latch(fmt.Errorf("%w: parser reported an error: %s", ErrProto, raw))
				return nil, c.status.AsError()
			}
			m, err := Decode(raw)
			if err != nil {
				c.latch(fmt.Errorf("%w: %v", ErrProto, err))
				return nil, c.status.AsError()
			}
			rootMetrics.messagesRecv.Add(1)
			if c.logMsg != nil {
				c.logMsg(Received, m)
			}
			return m, nil
		}
	}
}

// looksLikeJSONString reports whether raw's top-level value is a JSON
// string literal. Recv treats such a value as a protocol error, following
// original_source/lib/jsonrpc.c's json_parser_finish convention of
// reporting a syntax error as a string value. Package jparse itself
// reports syntax errors from Feed, so here a string value is one the
// peer sent.
func looksLikeJSONString(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Wait registers the Connection's readiness interest with w: always for
// read progress, and additionally for write progress if the output
// queue is non-empty.
func (c *Connection) Wait(w stream.Waiter) {
	if c.s == nil {
		return
	}
	c.s.Wait(w, len(c.out) > 0)
}

// RecvWait registers readiness interest for the next Recv, requesting
// an immediate wake if a result is already available without touching
// the stream again (a latched status, a staged message, or buffered
// input bytes still to parse).
func (c *Connection) RecvWait(l *readypoll.Loop) {
	if !c.status.Healthy() || c.staged != nil || len(c.inbuf) > 0 {
		l.WakeNow()
		return
	}
	if c.s != nil {
		c.s.Wait(l, false)
	}
}

// SendBlock drives Run and the readiness loop until msg has been fully
// enqueued and flushed, or a fatal error occurs.
func (c *Connection) SendBlock(ctx context.Context, msg *Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	var l readypoll.Loop
	for c.Backlog() > 0 {
		if err := c.status.AsError(); err != nil {
			return err
		}
		c.Wait(&l)
		if err := l.Block(ctx); err != nil {
			return err
		}
		if err := c.Run(); err != nil {
			return err
		}
	}
	return nil
}

// RecvBlock drives Run, Recv, and the readiness loop until a Message is
// available or a fatal error occurs.
func (c *Connection) RecvBlock(ctx context.Context) (*Message, error) {
	var l readypoll.Loop
	for {
		c.Run()
		m, err := c.Recv()
		if err == nil {
			return m, nil
		}
		if err != ErrAgain {
			return nil, err
		}
		c.RecvWait(&l)
		if err := l.Block(ctx); err != nil {
			return nil, err
		}
	}
}

// TransactBlock sends req and blocks until a Reply or Error arrives
// whose id matches req's (cloned before sending, since Send takes
// ownership of req). Any Message with a different id is silently
// discarded; TransactBlock is therefore only safe on a Connection the
// caller is not otherwise multiplexing.
func (c *Connection) TransactBlock(ctx context.Context, req *Message) (*Message, error) {
	wantID := cloneRaw(req.ID)
	if err := c.SendBlock(ctx, req); err != nil {
		return nil, err
	}
	for {
		m, err := c.RecvBlock(ctx)
		if err != nil {
			return nil, err
		}
		if (m.Type == Reply || m.Type == ErrorMsg) && equalJSON(m.ID, wantID) {
			return m, nil
		}
	}
}
