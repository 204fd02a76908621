// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/marcelocantos/callpipe/internal/ipc"
	"github.com/marcelocantos/callpipe/internal/rpc"
)

// Conn is an rpc.Channel over the framed ipc protocol. Frames are written
// by one goroutine and read by another; every callback is delivered
// through the Poster.
type Conn struct {
	conn    net.Conn
	poster  rpc.Poster
	pending *rpc.Pending

	mu       sync.Mutex
	outbox   [][]byte
	onEvent  func(rpc.Event)
	onCall   func(rpc.Call)
	onHangup func()

	kick      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closing   bool
}

var (
	_ rpc.Channel = (*Conn)(nil)
	_ rpc.Inbound = (*Conn)(nil)
)

// Open sends hello on conn and starts the reader and writer goroutines.
func Open(conn net.Conn, p rpc.Poster, hello ipc.Hello) (*Conn, error) {
	if err := ipc.WriteCBOR(conn, ipc.TagHello, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	c := &Conn{
		conn:    conn,
		poster:  p,
		pending: rpc.NewPending(p),
		kick:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Call implements rpc.Channel.
func (c *Conn) Call(call rpc.Call, done func(rpc.Reply)) error {
	id, err := c.pending.Add(call.Token, done)
	if err != nil {
		return err
	}
	frame, err := encode(ipc.TagCall, ipc.Call{
		ID:   id,
		Key:  call.Token,
		API:  call.API,
		Verb: call.Verb,
		Args: call.Args,
	})
	if err == nil {
		err = c.send(frame)
	}
	if err != nil && c.pending.Remove(id) {
		return err
	}
	// Otherwise shutdown drained the call and its done is already posted.
	return nil
}

// SendEvent implements rpc.Channel.
func (c *Conn) SendEvent(name string, data json.RawMessage) error {
	frame, err := encode(ipc.TagEvent, ipc.Event{Name: name, Data: data})
	if err != nil {
		return err
	}
	return c.send(frame)
}

// OnEvent implements rpc.Channel.
func (c *Conn) OnEvent(fn func(rpc.Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// OnCall implements rpc.Inbound. Calls from the server are always
// answered with status unimplemented.
func (c *Conn) OnCall(fn func(rpc.Call)) {
	c.mu.Lock()
	c.onCall = fn
	c.mu.Unlock()
}

// OnHangup implements rpc.Channel.
func (c *Conn) OnHangup(fn func()) {
	c.mu.Lock()
	c.onHangup = fn
	c.mu.Unlock()
}

// Close shuts the connection without reporting a hangup.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.shutdown(rpc.ErrClosed)
	return nil
}

// Outstanding returns the number of calls awaiting a reply.
func (c *Conn) Outstanding() int { return c.pending.Len() }

func encode(tag byte, v any) ([]byte, error) {
	var buf frameBuffer
	if err := ipc.WriteCBOR(&buf, tag, v); err != nil {
		return nil, err
	}
	return buf, nil
}

type frameBuffer []byte

func (b *frameBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

func (c *Conn) send(frame []byte) error {
	select {
	case <-c.closed:
		return rpc.ErrClosed
	default:
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, frame)
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.kick:
		}
		c.mu.Lock()
		frames := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, f := range frames {
			if _, err := c.conn.Write(f); err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		tag, payload, err := ipc.ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch tag {
		case ipc.TagReply:
			var r ipc.Reply
			if err := ipc.Decode(payload, &r); err != nil {
				c.shutdown(err)
				return
			}
			c.pending.Complete(r.ID, rpc.Reply{Status: r.Status, Info: r.Info, Data: r.Data})
		case ipc.TagPush:
			var ev ipc.Event
			if err := ipc.Decode(payload, &ev); err != nil {
				c.shutdown(err)
				return
			}
			c.mu.Lock()
			fn := c.onEvent
			c.mu.Unlock()
			if fn != nil {
				e := rpc.Event{Name: ev.Name, Data: ev.Data}
				c.poster.Post(func() { fn(e) })
			}
		case ipc.TagInvoke:
			var call ipc.Call
			if err := ipc.Decode(payload, &call); err != nil {
				c.shutdown(err)
				return
			}
			c.invoked(call)
		}
	}
}

// invoked reports a server-initiated call and refuses it.
func (c *Conn) invoked(call ipc.Call) {
	c.mu.Lock()
	fn := c.onCall
	c.mu.Unlock()
	if fn != nil {
		in := rpc.Call{Token: call.Key, API: call.API, Verb: call.Verb, Args: call.Args}
		c.poster.Post(func() { fn(in) })
	}
	frame, err := encode(ipc.TagAnswer, ipc.Reply{ID: call.ID, Status: ipc.StatusUnimplemented})
	if err == nil {
		err = c.send(frame)
	}
	if err != nil && !errors.Is(err, rpc.ErrClosed) {
		c.shutdown(err)
	}
}

// shutdown runs once. Unless Close started it, the hangup callback is
// posted before outstanding calls are failed.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		hang := c.onHangup
		closing := c.closing
		c.mu.Unlock()
		if !closing && hang != nil {
			c.poster.Post(hang)
		}
		if !errors.Is(cause, rpc.ErrClosed) {
			cause = fmt.Errorf("%w: %v", rpc.ErrClosed, cause)
		}
		c.pending.Drain(cause)
	})
}
