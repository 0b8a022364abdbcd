// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

import "errors"

// Sentinel errors latched onto a Connection's status, or returned directly
// by Session and Connection methods. Compare with errors.Is, not ==, since
// a Status wraps one of these alongside an optional stream-reported cause.
var (
	// ErrAgain reports that a non-blocking operation has no result yet.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrProto reports a JSON-RPC wire format or shape-table violation.
	ErrProto = errors.New("protocol error")

	// ErrNotConn reports that a Session operation was attempted while not
	// in the Active state.
	ErrNotConn = errors.New("not connected")

	// ErrEOF reports that the peer closed its end of the stream.
	ErrEOF = errors.New("end of file")
)

// A Status is a one-shot terminal error latched onto a Connection. The zero
// Status is healthy (Err == nil); once a Status wrapping a non-nil error is
// latched it is terminal, per spec: "once non-zero, never reverts."
type Status struct {
	// Err is the sentinel (ErrAgain, ErrProto, ErrNotConn, ErrEOF) or
	// stream-reported cause that caused the latch.
	Err error
}

// Healthy reports whether s represents the non-error zero state.
func (s Status) Healthy() bool { return s.Err == nil }

// Error implements the error interface. It panics if s is healthy, since a
// healthy Status is not an error value — callers should check Healthy (or
// compare s.Err == nil) before calling Error.
func (s Status) Error() string {
	if s.Err == nil {
		panic("jrpc1: Error called on a healthy Status")
	}
	return s.Err.Error()
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (s Status) Unwrap() error { return s.Err }

// AsError reports s as an error value, or nil if s is healthy.
func (s Status) AsError() error {
	if s.Err == nil {
		return nil
	}
	return s
}

// latch updates a healthy s to wrap err (which must be non-nil) and
// reports whether this call newly latched the status. It returns false,
// leaving s unchanged, if s is already latched.
func (s *Status) latch(err error) bool {
	if err == nil {
		panic("jrpc1: latch with nil error")
	}
	if s.Err != nil {
		return false
	}
	s.Err = err
	return true
}
