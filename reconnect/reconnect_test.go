// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package reconnect_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/jrpc1/reconnect"
)

func TestDisabledUntilEnabled(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	if got := c.Run(now); got != reconnect.None {
		t.Fatalf("Run before Enable: got %v, want NONE", got)
	}
	c.Enable(now)
	if got := c.Run(now); got != reconnect.Connect {
		t.Fatalf("Run after Enable: got %v, want CONNECT", got)
	}
}

func TestConnectSucceedsAndProbes(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.Enable(now)
	if got := c.Run(now); got != reconnect.Connect {
		t.Fatalf("Run: got %v, want CONNECT", got)
	}
	c.Connecting(now)
	c.Connected(now)

	if got := c.Run(now); got != reconnect.None {
		t.Fatalf("Run just after Connected: got %v, want NONE", got)
	}

	later := now.Add(30 * time.Second)
	if got := c.Run(later); got != reconnect.Probe {
		t.Fatalf("Run after idle period: got %v, want PROBE", got)
	}
}

func TestReceivedResetsProbeClock(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.Enable(now)
	c.Run(now)
	c.Connecting(now)
	c.Connected(now)

	mid := now.Add(10 * time.Second)
	c.Received(mid)

	stillSoon := mid.Add(10 * time.Second) // 20s after Connected, 10s after Received
	if got := c.Run(stillSoon); got != reconnect.None {
		t.Fatalf("Run after Received reset: got %v, want NONE", got)
	}
}

func TestBackoffGrowsAndRetries(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.SetMaxTries(5)
	c.Enable(now)
	c.Run(now)
	c.Connecting(now)

	failErr := errors.New("connection refused")
	c.ConnectFailed(now, failErr)

	if got := c.Run(now); got != reconnect.None {
		t.Fatalf("Run immediately after failure: got %v, want NONE (still backing off)", got)
	}

	after := now.Add(2 * time.Second)
	if got := c.Run(after); got != reconnect.Connect {
		t.Fatalf("Run after backoff elapses: got %v, want CONNECT", got)
	}
	if !errors.Is(c.LastError(), failErr) {
		t.Fatalf("LastError: got %v, want %v", c.LastError(), failErr)
	}

	// A second failure doubles the backoff from 1s to 2s.
	c.Connecting(after)
	c.ConnectFailed(after, failErr)
	if got := c.Run(after.Add(time.Second)); got != reconnect.None {
		t.Fatalf("Run 1s after second failure: got %v, want NONE (backoff grew to 2s)", got)
	}
	if got := c.Run(after.Add(2 * time.Second)); got != reconnect.Connect {
		t.Fatalf("Run 2s after second failure: got %v, want CONNECT", got)
	}
}

func TestMaxTriesExhaustedDisables(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.SetMaxTries(2)
	c.Enable(now)

	for i := 0; i < 2; i++ {
		c.Run(now)
		c.Connecting(now)
		c.ConnectFailed(now, errors.New("boom"))
		now = now.Add(time.Minute) // well past any backoff
	}

	if got := c.Run(now); got != reconnect.None {
		t.Fatalf("Run after exhausting retries: got %v, want NONE", got)
	}
}

func TestUnreliableNeverRetries(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.SetMaxTries(0)
	c.Enable(now)
	c.Run(now)
	c.Connecting(now)
	c.Connected(now)

	c.Disconnected(now, errors.New("peer reset"))

	if got := c.Run(now.Add(time.Hour)); got != reconnect.None {
		t.Fatalf("Run after unreliable disconnect: got %v, want NONE", got)
	}
}

func TestForceReconnectFromActive(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.Enable(now)
	c.Run(now)
	c.Connecting(now)
	c.Connected(now)

	c.ForceReconnect(now)
	if got := c.Run(now); got != reconnect.Disconnect {
		t.Fatalf("Run after ForceReconnect: got %v, want DISCONNECT", got)
	}
	if got := c.Run(now); got != reconnect.Connect {
		t.Fatalf("Run after forced teardown: got %v, want CONNECT", got)
	}
}

func TestWaitReportsPendingTimer(t *testing.T) {
	now := time.Unix(0, 0)
	c := reconnect.New(now)
	c.Enable(now)
	c.Run(now)
	c.Connecting(now)
	c.ConnectFailed(now, errors.New("refused"))

	d := c.Wait(now)
	if d <= 0 {
		t.Fatalf("Wait during backoff: got %v, want positive duration", d)
	}
}
