// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/marcelocantos/callpipe/internal/ipc"
)

// peer is one client connection. Replies from concurrent calls and
// broadcast pushes share the connection, so every frame is written under
// mu to prevent interleaved frame bytes.
type peer struct {
	mu      sync.Mutex
	conn    net.Conn
	hello   ipc.Hello
	session *Session
	closed  atomic.Bool

	invMu   sync.Mutex
	nextInv uint64
	invokes map[uint64]chan ipc.Reply
}

func newPeer(conn net.Conn, hello ipc.Hello, session *Session) *peer {
	return &peer{conn: conn, hello: hello, session: session, invokes: make(map[uint64]chan ipc.Reply)}
}

// invoke calls the client and waits for its answer.
func (p *peer) invoke(ctx context.Context, call ipc.Call) (ipc.Reply, error) {
	ch := make(chan ipc.Reply, 1)
	p.invMu.Lock()
	p.nextInv++
	call.ID = p.nextInv
	p.invokes[call.ID] = ch
	p.invMu.Unlock()
	defer func() {
		p.invMu.Lock()
		delete(p.invokes, call.ID)
		p.invMu.Unlock()
	}()

	if err := p.send(ipc.TagInvoke, call); err != nil {
		return ipc.Reply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return ipc.Reply{}, ctx.Err()
	}
}

// answer routes a client's answer to the waiting invoke. Answers for
// unknown ids are dropped.
func (p *peer) answer(r ipc.Reply) bool {
	p.invMu.Lock()
	ch, ok := p.invokes[r.ID]
	delete(p.invokes, r.ID)
	p.invMu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (p *peer) send(tag byte, v any) error {
	if p.closed.Load() {
		return net.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ipc.WriteCBOR(p.conn, tag, v)
}

// close is safe to call while a send is blocked; closing the connection
// unblocks it.
func (p *peer) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.conn.Close()
	}
}
