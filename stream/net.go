// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package stream

import (
	"errors"
	"net"
	"strings"
	"time"
)

// netStream adapts a net.Conn to Stream using the short-deadline
// non-blocking trick: a deadline pollGrace in the future makes the next
// Read or Write call return with a timeout error if it cannot make
// progress within that grace period, which this package reports as
// ErrWouldBlock. Send and Recv can therefore wait up to pollGrace. (A
// deadline already in the past would fail every call before any I/O is
// attempted.) This is the same
// adaptation the teacher's channel.IO applies to a blocking io.Reader/
// io.WriteCloser pair, generalized to detect "would block" rather than
// always succeeding.
type netStream struct {
	name string
	conn net.Conn
}

// pollGrace is how long a netStream Send or Recv waits for progress
// before reporting ErrWouldBlock.
const pollGrace = time.Millisecond

// Dial opens a non-blocking Stream to addr over network (e.g. "tcp",
// "unix"), mirroring stream_open in spirit: the name is split with
// SplitAddress-like heuristics by the caller (see Open). Dial itself
// blocks in net.Dial until the connection is established or fails, so
// the returned Stream's Connect always reports success.
func Dial(network, addr string) (Stream, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &netStream{name: network + ":" + addr, conn: conn}, nil
}

// netConnector implements Connector for "tcp:host:port" and
// "unix:/path" style names, using the same heuristic the teacher's
// chirp.SplitAddress applies to guess a network from a bare address.
type netConnector struct{}

// NetConnector is a Connector that dials TCP or Unix-domain targets.
// Names of the form "network:address" select the network explicitly;
// bare "host:port" addresses default to "tcp". Its Open blocks until
// the connection is established or fails.
var NetConnector Connector = netConnector{}

func (netConnector) Open(name string) (Stream, error) {
	network, addr, ok := strings.Cut(name, ":")
	if !ok || (network != "tcp" && network != "unix" && network != "tcp4" && network != "tcp6") {
		network, addr = "tcp", name
	}
	return Dial(network, addr)
}

// Name implements Stream.
func (s *netStream) Name() string { return s.name }

// Connect implements Connecting. net.Dial already blocks until the
// connection completes or fails, so by the time a netStream exists it
// is already connected.
func (s *netStream) Connect() error { return nil }

// Send implements Stream.
func (s *netStream) Send(data []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(pollGrace)); err != nil {
		return 0, err
	}
	n, err := s.conn.Write(data)
	if isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Recv implements Stream.
func (s *netStream) Recv(buf []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(pollGrace)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf)
	if isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Wait implements Stream. A real poller would register s.conn's file
// descriptor for read/write readiness here; the OS-level readiness
// multiplexer is out of scope per spec.md §1, so netStream relies on
// readypoll's adaptive-backoff Waiter, which simply retries.
func (s *netStream) Wait(w Waiter, wantWrite bool) {
	w.WaitReadable(s)
	if wantWrite {
		w.WaitWritable(s)
	}
}

// Close implements Stream.
func (s *netStream) Close() error { return s.conn.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Listener accepts incoming non-blocking Streams.
type Listener struct {
	lst net.Listener
}

// Listen opens a Listener bound to addr on network, for use with
// cmd/jrpc1's "listen" subcommand and with Session servers.
func Listen(network, addr string) (*Listener, error) {
	lst, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{lst: lst}, nil
}

// Addr reports the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.lst.Addr() }

// Accept blocks until a connection arrives and returns it as a Stream.
// Accept itself is blocking (matching net.Listener.Accept); the
// resulting Stream's Send/Recv are non-blocking.
func (l *Listener) Accept() (Stream, error) {
	conn, err := l.lst.Accept()
	if err != nil {
		return nil, err
	}
	return &netStream{name: conn.RemoteAddr().String(), conn: conn}, nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.lst.Close() }
