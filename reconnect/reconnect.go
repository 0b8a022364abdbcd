// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package reconnect implements the reconnect-policy engine a Session
// depends on (spec.md §4.3): a small state machine that watches
// connect/disconnect/liveness events and advises, on each Run, whether
// the caller should CONNECT, DISCONNECT, or PROBE. The engine's own
// timer math (backoff growth, probe cadence) is intentionally simple,
// matching spec.md's note that the "internal timer math" of this
// collaborator is out of scope; the state machine Session relies on is
// fully implemented and tested.
//
// The design mirrors the adaptive-backoff retry loop hayabusa-cloud-sess
// builds around iox.Backoff in session.go, reworked here as an explicit
// state machine rather than a blocking dispatch loop, since Session
// drives this controller cooperatively rather than from inside a single
// blocking call.
package reconnect

import "time"

// A Command advises the Session what to do next.
type Command int

const (
	// None means no action is due yet.
	None Command = iota
	// Connect means the Session should open a new stream.
	Connect
	// Disconnect means the Session should tear down and go Idle,
	// because ForceReconnect was requested; the controller then advises
	// Connect on its next Run. Exhausted retries do not produce
	// Disconnect: the controller is disabled and Run returns None.
	Disconnect
	// Probe means the Session should transmit a liveness probe.
	Probe
)

func (c Command) String() string {
	switch c {
	case None:
		return "NONE"
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Probe:
		return "PROBE"
	default:
		return "INVALID"
	}
}

type state int

const (
	stateDisabled state = iota
	stateWantConnect
	stateBackoff
	stateConnecting
	stateActive
)

// Tuning constants for the backoff and probe cadence. spec.md leaves
// this timer math to the collaborator; these values match the
// suggested rate-limit cadence used elsewhere in spec.md §7 (events
// measured in single-digit seconds).
const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second

	// probeInterval is how long a Session may go without receiving
	// anything before Controller advises a Probe.
	probeInterval = 15 * time.Second
)

// Controller implements the reconnect-policy engine contract spec.md
// §4.3 describes. The zero value is not ready for use; construct one
// with New.
type Controller struct {
	name string
	// maxTries bounds consecutive failed attempts. -1 (the default set
	// by New) means retry indefinitely; 0 means "unreliable": never
	// retry after a failure, matching jsonrpc_session_open_unreliably.
	maxTries int

	st        state
	tries     int
	backoff   time.Duration
	deadline  time.Time // valid when st == stateBackoff
	lastSeen  time.Time // last Received/Connected, for probe cadence
	force     bool
	enabled   bool
	exhausted bool // true once GetMaxTries forced a permanent give-up

	lastErr error
}

// New creates a controller in the "not yet enabled" state, matching
// jsonrpc_session's create(now). Enable must be called before Run will
// ever advise Connect.
func New(now time.Time) *Controller {
	return &Controller{st: stateDisabled, lastSeen: now, maxTries: -1}
}

// SetName sets the controller's session name, used only for
// diagnostics (it does not affect behavior).
func (c *Controller) SetName(name string) { c.name = name }

// GetName returns the name set by SetName.
func (c *Controller) GetName() string { return c.name }

// SetMaxTries bounds the number of consecutive failed connection
// attempts before the controller gives up permanently: it is disabled,
// Alive reports false, and Run returns None. A value of 0 means the controller never retries: the
// first ConnectFailed or Disconnected event ends the session, matching
// jsonrpc_session_open_unreliably.
func (c *Controller) SetMaxTries(n int) { c.maxTries = n }

// GetMaxTries returns the value set by SetMaxTries.
func (c *Controller) GetMaxTries() int { return c.maxTries }

// Enable permits the controller to start advising Connect. Calling
// Enable on an already-enabled controller has no effect.
func (c *Controller) Enable(now time.Time) {
	if !c.enabled {
		c.enabled = true
		c.exhausted = false
		c.st = stateWantConnect
		c.tries = 0
		c.backoff = 0
	}
}

// Alive reports whether the controller has been enabled and has not
// permanently given up after exhausting GetMaxTries. It underlies
// Session.IsAlive.
func (c *Controller) Alive() bool { return c.enabled && !c.exhausted }

// Connecting records that the Session has begun opening a stream in
// response to a Connect advisory.
func (c *Controller) Connecting(now time.Time) {
	c.st = stateConnecting
}

// Connected records that the in-progress stream became writable. It
// resets the retry count and primes the probe clock.
func (c *Controller) Connected(now time.Time) {
	c.st = stateActive
	c.tries = 0
	c.backoff = 0
	c.lastSeen = now
	c.lastErr = nil
}

// ConnectFailed records that an in-progress connection attempt ended
// in error. It schedules a backoff retry, or permanently disables the
// controller once GetMaxTries is exhausted.
func (c *Controller) ConnectFailed(now time.Time, err error) {
	c.lastErr = err
	c.tries++
	c.giveUpOrBackoff(now)
}

// Disconnected records that an established connection was lost. Like
// ConnectFailed, this schedules a backoff retry unless retries are
// exhausted or the controller is configured as unreliable.
func (c *Controller) Disconnected(now time.Time, err error) {
	c.lastErr = err
	c.tries++
	c.giveUpOrBackoff(now)
}

func (c *Controller) giveUpOrBackoff(now time.Time) {
	if c.maxTries == 0 || (c.maxTries > 0 && c.tries >= c.maxTries) {
		c.st = stateDisabled
		c.exhausted = true
		return
	}
	c.st = stateBackoff
	c.backoff = nextBackoff(c.backoff)
	c.deadline = now.Add(c.backoff)
}

// Received records evidence that the connection is alive (any message
// arrived), resetting the probe clock.
func (c *Controller) Received(now time.Time) {
	c.lastSeen = now
}

// ForceReconnect requests that the controller tear down and retry
// immediately, regardless of state.
func (c *Controller) ForceReconnect(now time.Time) {
	c.force = true
}

// Run returns the next advisory command. Session must call it once per
// iteration of its own run loop, after performing whatever the
// previous advisory required.
func (c *Controller) Run(now time.Time) Command {
	if c.force {
		c.force = false
		switch c.st {
		case stateActive, stateConnecting, stateBackoff:
			c.st = stateWantConnect
			c.tries = 0
			c.backoff = 0
			return Disconnect
		}
	}

	switch c.st {
	case stateDisabled:
		return None

	case stateWantConnect:
		return Connect

	case stateBackoff:
		if !now.Before(c.deadline) {
			return Connect
		}
		return None

	case stateConnecting:
		return None

	case stateActive:
		if now.Sub(c.lastSeen) >= probeInterval {
			c.lastSeen = now
			return Probe
		}
		return None

	default:
		return None
	}
}

// Wait reports how long the caller may sleep before Run could next
// produce a non-None command, for use as a readiness-layer timeout.
func (c *Controller) Wait(now time.Time) time.Duration {
	switch c.st {
	case stateWantConnect:
		return 0
	case stateBackoff:
		if d := c.deadline.Sub(now); d > 0 {
			return d
		}
		return 0
	case stateActive:
		if d := probeInterval - now.Sub(c.lastSeen); d > 0 {
			return d
		}
		return 0
	default:
		return -1 // no timer pending
	}
}

// LastError returns the most recent error observed via ConnectFailed or
// Disconnected, or nil if none has occurred since the last Connected.
func (c *Controller) LastError() error { return c.lastErr }

// Tries reports the number of consecutive failed attempts observed
// since the last successful Connected.
func (c *Controller) Tries() int { return c.tries }

func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minBackoff
	}
	next := prev * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
