// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package mcpbridge carries calls to an MCP server as tool invocations.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marcelocantos/callpipe/internal/rpc"
)

// Scheme prefixes URIs naming an MCP server command.
const Scheme = "mcp:"

// ErrNotObject reports call arguments an MCP tool cannot take.
var ErrNotObject = errors.New("tool arguments must be a JSON object")

// Options configures a Bridge.
type Options struct {
	ClientName    string
	ClientVersion string
	Keepalive     time.Duration // ping interval; 0 disables
	Stderr        io.Writer     // receives a spawned server's stderr
	Logger        *slog.Logger
}

// Bridge implements rpc.Channel over an MCP client session. Every call
// runs as one tools/call request on its own goroutine; server
// notifications surface as events.
type Bridge struct {
	c       *client.Client
	post    rpc.Poster
	pending *rpc.Pending
	log     *slog.Logger
	server  mcp.Implementation

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	onEvent  func(rpc.Event)
	onHangup func()

	closing  atomic.Bool
	shutdown sync.Once
}

var _ rpc.Channel = (*Bridge)(nil)

// ParseURI splits "mcp:command arg..." into the command and its
// arguments.
func ParseURI(uri string) (command string, args []string, ok bool) {
	rest, found := strings.CutPrefix(uri, Scheme)
	if !found {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// Spawn starts command as an MCP server on stdio and opens a session
// with it.
func Spawn(ctx context.Context, command string, args []string, p rpc.Poster, opts Options) (*Bridge, error) {
	c, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	if opts.Stderr != nil {
		if r, ok := client.GetStderr(c); ok {
			go io.Copy(opts.Stderr, r)
		}
	}
	b, err := Start(ctx, c, p, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

// Start initializes a session on c.
func Start(ctx context.Context, c *client.Client, p rpc.Poster, opts Options) (*Bridge, error) {
	if opts.ClientName == "" {
		opts.ClientName = "callpipe"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bridge{
		c:       c,
		post:    p,
		pending: rpc.NewPending(p),
		log:     opts.Logger,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	c.OnNotification(b.notify)
	c.OnConnectionLost(b.lost)
	if err := c.Start(ctx); err != nil {
		b.cancel()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		b.cancel()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	b.server = res.ServerInfo
	b.log.Debug("mcp session open", "server", res.ServerInfo.Name, "version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion)

	if opts.Keepalive > 0 {
		go b.keepalive(opts.Keepalive)
	}
	return b, nil
}

// Server describes the peer.
func (b *Bridge) Server() mcp.Implementation { return b.server }

// ToolName maps a call's address to an MCP tool name.
func ToolName(api, verb string) string {
	if api == "" {
		return verb
	}
	return api + "_" + verb
}

// Arguments converts a call payload into tool arguments. JSON null means
// none.
func Arguments(payload json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(payload, &args); err != nil || args == nil {
		return nil, ErrNotObject
	}
	return args, nil
}

// Call implements rpc.Channel.
func (b *Bridge) Call(c rpc.Call, done func(rpc.Reply)) error {
	if b.closing.Load() || b.ctx.Err() != nil {
		return rpc.ErrClosed
	}
	args, err := Arguments(c.Args)
	if err != nil {
		return err
	}
	id, err := b.pending.Add(c.Token, done)
	if err != nil {
		return err
	}

	var req mcp.CallToolRequest
	req.Params.Name = ToolName(c.API, c.Verb)
	if args != nil {
		req.Params.Arguments = args
	}
	go func() {
		res, err := b.c.CallTool(b.ctx, req)
		if err != nil && brokenPipe(err) {
			b.lost(err)
			return
		}
		b.pending.Complete(id, ReplyFrom(res, err))
	}()
	return nil
}

// SendEvent implements rpc.Channel. MCP has no client-originated events.
func (b *Bridge) SendEvent(name string, data json.RawMessage) error {
	return fmt.Errorf("event %s: %w", name, rpc.ErrNotSupported)
}

// OnEvent implements rpc.Channel.
func (b *Bridge) OnEvent(fn func(rpc.Event)) {
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

// OnHangup implements rpc.Channel.
func (b *Bridge) OnHangup(fn func()) {
	b.mu.Lock()
	b.onHangup = fn
	b.mu.Unlock()
}

// Close ends the session without reporting a hangup. Outstanding calls
// fail with rpc.ErrClosed.
func (b *Bridge) Close() error {
	b.closing.Store(true)
	var err error
	b.shutdown.Do(func() {
		b.cancel()
		b.pending.Drain(rpc.ErrClosed)
		err = b.c.Close()
	})
	return err
}

// Outstanding returns the number of calls awaiting a result.
func (b *Bridge) Outstanding() int { return b.pending.Len() }

// ReplyFrom converts a tool result. Structured content becomes the reply
// data, with any text as info. Otherwise a single JSON text is passed
// through and other text becomes a JSON string.
func ReplyFrom(res *mcp.CallToolResult, err error) rpc.Reply {
	if err != nil {
		return rpc.Reply{Status: "failed", Info: err.Error()}
	}
	if res == nil {
		return rpc.Reply{Status: rpc.StatusSuccess}
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if res.IsError {
		return rpc.Reply{Status: "failed", Info: joined}
	}
	r := rpc.Reply{Status: rpc.StatusSuccess}
	switch {
	case res.StructuredContent != nil:
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return rpc.Reply{Status: "failed", Info: fmt.Sprintf("encode structured content: %v", err)}
		}
		r.Data = data
		r.Info = joined
	case len(texts) == 1 && json.Valid([]byte(texts[0])):
		r.Data = json.RawMessage(texts[0])
	case len(texts) > 0:
		data, _ := json.Marshal(joined)
		r.Data = data
	}
	return r
}

// EventFrom converts a server notification.
func EventFrom(n mcp.JSONRPCNotification) rpc.Event {
	ev := rpc.Event{Name: n.Method}
	if data, err := json.Marshal(n.Params); err == nil && string(data) != "{}" {
		ev.Data = data
	}
	return ev
}

func (b *Bridge) notify(n mcp.JSONRPCNotification) {
	ev := EventFrom(n)
	b.post.Post(func() {
		b.mu.Lock()
		fn := b.onEvent
		b.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	})
}

func (b *Bridge) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(b.ctx, interval)
		err := b.c.Ping(ctx)
		cancel()
		if err != nil && b.ctx.Err() == nil {
			b.lost(err)
			return
		}
	}
}

// lost reports a hangup, then fails every outstanding call.
func (b *Bridge) lost(cause error) {
	if b.closing.Load() {
		return
	}
	b.shutdown.Do(func() {
		b.log.Debug("mcp session lost", "err", cause)
		b.cancel()
		b.post.Post(func() {
			b.mu.Lock()
			fn := b.onHangup
			b.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
		b.pending.Drain(fmt.Errorf("%w: %v", rpc.ErrClosed, cause))
		b.c.Close()
	})
}

func brokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
