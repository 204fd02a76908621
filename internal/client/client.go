// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package client connects to a callpipe-protocol server and exposes the
// connection as an rpc.Channel.
package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/marcelocantos/callpipe/internal/ipc"
)

// Target says where to connect and what to announce in the hello frame.
type Target struct {
	Network string // "unix" or "tcp"; empty for the local server
	Address string
	Hello   ipc.Hello
}

// Local reports whether the target is the per-user loopback server.
func (t Target) Local() bool { return t.Network == "" }

func (t Target) String() string {
	if t.Local() {
		return "local"
	}
	return t.Network + ":" + t.Address
}

// ParseURI parses a server URI:
//
//	local                          per-user loopback server
//	unix:/path/to.sock[?query]
//	tcp:host:port[?query]
//	host:port[/api][?query]        shorthand for tcp
//
// The query may set api, token and uuid.
func ParseURI(uri string) (Target, error) {
	var t Target
	rest, query, _ := strings.Cut(uri, "?")
	switch {
	case rest == "" || rest == "local":
	case strings.HasPrefix(rest, "unix:"):
		t.Network, t.Address = "unix", strings.TrimPrefix(rest, "unix:")
	case strings.HasPrefix(rest, "tcp:"):
		t.Network, t.Address = "tcp", strings.TrimPrefix(rest, "tcp:")
	default:
		t.Network = "tcp"
		t.Address, t.Hello.API, _ = strings.Cut(rest, "/")
	}
	if t.Network != "" && t.Address == "" {
		return t, fmt.Errorf("uri %q: missing address", uri)
	}
	if t.Network == "tcp" {
		if _, _, err := net.SplitHostPort(t.Address); err != nil {
			return t, fmt.Errorf("uri %q: %w", uri, err)
		}
	}

	q, err := url.ParseQuery(query)
	if err != nil {
		return t, fmt.Errorf("uri %q: %w", uri, err)
	}
	if v := q.Get("api"); v != "" {
		t.Hello.API = v
	}
	t.Hello.Token = q.Get("token")
	t.Hello.Session = q.Get("uuid")
	return t, nil
}

// Dial connects to t. The local server is spawned from selfPath if it is
// not running.
func Dial(ctx context.Context, t Target, selfPath string) (net.Conn, error) {
	if t.Local() {
		return ConnectOrSpawn(ctx, selfPath)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, t.Network, t.Address)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", t, err)
	}
	return conn, nil
}

// Connect attempts to connect to a running loopback server.
func Connect() (net.Conn, error) {
	sockPath, err := ipc.SocketPath()
	if err != nil {
		return nil, err
	}
	return net.Dial("unix", sockPath)
}

// ConnectOrSpawn tries to connect to an existing server. If none is
// running, it spawns one as a detached child and retries with backoff.
func ConnectOrSpawn(ctx context.Context, selfPath string) (net.Conn, error) {
	if conn, err := Connect(); err == nil {
		return conn, nil
	}

	// Spawn server.
	cmd := exec.Command(selfPath, "serve")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn server: %w", err)
	}
	cmd.Process.Release()

	// Backoff retry.
	delays := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
	}
	for _, d := range delays {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		if conn, err := Connect(); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("server did not start within timeout")
}
