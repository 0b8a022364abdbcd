// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream defines the byte-stream abstraction that a jrpc1
// Connection is layered over, plus two concrete implementations. This is
// the "external collaborator" spec.md §1 calls StreamOpen/Stream.send/
// Stream.recv/readiness registration: a narrow interface, grounded on
// the teacher's channel package (github.com/creachadair/chirp/channel),
// adapted from framed-packet semantics to raw non-blocking bytes.
package stream

import "errors"

// ErrWouldBlock is returned by Send or Recv when the operation cannot
// make progress without blocking. Callers compare with errors.Is.
var ErrWouldBlock = errors.New("stream: would block")

// A Stream is a non-blocking, full-duplex byte connection. Send and Recv
// must never block; each returns ErrWouldBlock when no progress can be
// made right now. A Stream's methods are not safe for concurrent use —
// exactly one owner drives Send, Recv, Wait, and Close, matching the
// single-threaded cooperative model of the Connection that wraps it.
type Stream interface {
	// Name reports a human-readable identifier for the stream's target,
	// used as the Connection's name.
	Name() string

	// Send writes as many leading bytes of data as can be written
	// without blocking, and returns that count. It returns
	// (0, ErrWouldBlock) if no bytes could be written right now, or
	// (n, err) with a non-ErrWouldBlock err on a fatal transport error.
	Send(data []byte) (int, error)

	// Recv reads into buf and returns the number of bytes read. It
	// returns (0, ErrWouldBlock) if no bytes are available right now,
	// (0, io.EOF) if the peer closed its end, or (n, err) with a
	// non-ErrWouldBlock err on a fatal transport error.
	Recv(buf []byte) (int, error)

	// Wait registers the stream's readiness interest with w: always for
	// read progress, and for write progress iff wantWrite is true.
	Wait(w Waiter, wantWrite bool)

	// Close releases the stream's resources. After Close returns, all
	// other methods report an error.
	Close() error
}

// A Waiter receives readiness registrations from Wait. Concrete
// implementations live in package readypoll; Stream implementations
// depend only on this interface, keeping the poll loop an external
// collaborator per spec.md §1.
type Waiter interface {
	// WaitReadable registers interest in s becoming readable.
	WaitReadable(s Stream)
	// WaitWritable registers interest in s becoming writable.
	WaitWritable(s Stream)
}

// A Connector opens a Stream for a name it understands (e.g.
// "tcp:host:port", "unix:/path"). Opening is itself non-blocking:
// Connector.Open may return a Stream whose connection is still in
// progress, tracked via the Connecting interface.
type Connector interface {
	// Open begins connecting to name and returns a Stream immediately;
	// the connection may not yet be established. Open returns a non-nil
	// error only for failures detectable synchronously (e.g. malformed
	// name).
	Open(name string) (Stream, error)
}

// A Connecting is a Stream that may still be establishing its
// connection. Streams returned by a Connector should implement this so
// Session can poll Connect without a type assertion failure; streams
// that are connected immediately (e.g. Pipe) can embed AlreadyConnected.
type Connecting interface {
	Stream

	// Connect reports whether the connection has completed. It returns
	// nil on success, ErrWouldBlock while still connecting, or a fatal
	// error if the attempt failed.
	Connect() error
}

// AlreadyConnected implements Connect as a permanent success, for Stream
// implementations (such as Pipe) that are connected at construction.
type AlreadyConnected struct{}

// Connect always reports success.
func (AlreadyConnected) Connect() error { return nil }

// connectedStream adapts a plain Stream, already connected by the time
// it is returned from a Connector, into a Connecting.
type connectedStream struct {
	Stream
	AlreadyConnected
}

// AsConnecting adapts s to Connecting. If s already implements
// Connecting it is returned unchanged; otherwise it is wrapped so
// Connect reports immediate success, for Connector implementations
// (such as Pipe's) whose Stream is fully connected by construction.
func AsConnecting(s Stream) Connecting {
	if cs, ok := s.(Connecting); ok {
		return cs
	}
	return connectedStream{Stream: s}
}
