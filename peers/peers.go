// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing Sessions
// and Connections.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/jrpc1"
	"github.com/creachadair/jrpc1/stream"
)

// Local is a pair of in-memory connected Connections, suitable for
// testing.
type Local struct {
	A *jrpc1.Connection
	B *jrpc1.Connection
}

// Close closes both Connections.
func (p *Local) Close() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected Connections that
// communicate over a stream.Pipe without touching a real socket.
func NewLocal() *Local {
	a, b := stream.Pipe()
	return &Local{A: jrpc1.Open(a), B: jrpc1.Open(b)}
}

// Serve accepts connections from lst and starts handle for each one in its
// own goroutine. Serve continues until lst closes or ctx ends, at which
// point it waits for all running handlers to return before returning
// itself.
//
// The Connection passed to handle is closed automatically once handle
// returns.
func Serve(ctx context.Context, lst *stream.Listener, handle func(context.Context, *jrpc1.Connection)) error {
	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		s, err := lst.Accept()
		if err != nil {
			wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		conn := jrpc1.Open(s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			handle(ctx, conn)
		}()
	}
}
