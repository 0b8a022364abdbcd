// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program jrpc1 is a command-line utility for interacting with JSON-RPC
// 1.0 peers over TCP or Unix-domain sockets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/creachadair/jrpc1"
	"github.com/creachadair/jrpc1/stream"
)

var flags struct {
	Addr    string        `flag:"addr,default=localhost:8080,Target address (network:host:port or host:port)"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for a blocking operation"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with JSON-RPC 1.0 peers.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &flags)
		},
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "<method> <json-array-params>",
				Help:  "Send a request and print its reply.",
				Run:   runCall,
			},
			{
				Name:  "notify",
				Usage: "<method> <json-array-params>",
				Help:  "Send a notification and exit without waiting for a reply.",
				Run:   runNotify,
			},
			{
				Name:  "probe",
				Usage: "",
				Help:  "Open a reconnecting session and report its first connect latency and the time of one forced reconnect cycle.",
				Run:   runProbe,
			},
			{
				Name:  "listen",
				Usage: "",
				Help:  "Accept one connection and echo every request back as its reply.",
				Run:   runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runCall(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("requires exactly a method and a JSON array of params")
	}
	method, params := env.Args[0], env.Args[1]

	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	conn, err := dialConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	req := conn.NewRequest(method, json.RawMessage(params))
	reply, err := conn.TransactBlock(ctx, req)
	if err != nil {
		return err
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runNotify(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("requires exactly a method and a JSON array of params")
	}
	method, params := env.Args[0], env.Args[1]

	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	conn, err := dialConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.SendBlock(ctx, jrpc1.NewNotify(method, json.RawMessage(params)))
}

func runProbe(env *command.Env) error {
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	sess := jrpc1.NewSession(stream.NetConnector, flags.Addr)
	defer sess.Close()

	start := time.Now()
	for !sess.IsConnected() {
		sess.Run()
		if !sess.IsAlive() {
			return fmt.Errorf("jrpc1: session to %s gave up", flags.Addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	fmt.Printf("connected to %s in %v\n", flags.Addr, time.Since(start))

	before := sess.Seqno()
	start = time.Now()
	sess.ForceReconnect()
	for sess.Seqno() == before {
		sess.Run()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	for !sess.IsConnected() {
		sess.Run()
		if !sess.IsAlive() {
			return fmt.Errorf("jrpc1: session to %s gave up during probe cycle", flags.Addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	fmt.Printf("reconnect cycle: %v\n", time.Since(start))
	return nil
}

func runListen(env *command.Env) error {
	network, addr := splitAddr(flags.Addr)
	lst, err := stream.Listen(network, addr)
	if err != nil {
		return err
	}
	defer lst.Close()
	fmt.Printf("listening on %s\n", lst.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s, err := lst.Accept()
	if err != nil {
		return err
	}
	conn := jrpc1.Open(s)
	defer conn.Close()

	for {
		m, err := conn.RecvBlock(ctx)
		if err != nil {
			if errors.Is(err, jrpc1.ErrEOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if m.Type == jrpc1.Request {
			if err := conn.SendBlock(ctx, jrpc1.NewReply(m.Params, m.ID)); err != nil {
				return err
			}
		}
	}
}

func dialConn() (*jrpc1.Connection, error) {
	network, addr := splitAddr(flags.Addr)
	s, err := stream.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return jrpc1.Open(s), nil
}

func splitAddr(s string) (network, addr string) {
	if n, a, ok := cutNetwork(s); ok {
		return n, a
	}
	return "tcp", s
}

func cutNetwork(s string) (network, addr string, ok bool) {
	for _, n := range []string{"tcp4", "tcp6", "tcp", "unix"} {
		if prefix := n + ":"; len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return n, s[len(prefix):], true
		}
	}
	return "", "", false
}
