// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package rpctest provides an in-memory rpc.Channel for tests.
package rpctest

import (
	"encoding/json"
	"sync"

	"github.com/marcelocantos/callpipe/internal/rpc"
)

var (
	_ rpc.Channel = (*Fake)(nil)
	_ rpc.Inbound = (*Fake)(nil)
)

// Fake is an in-memory rpc.Channel for tests. Calls are recorded and complete
// only when the test says so, unless Auto is set.
type Fake struct {
	mu sync.Mutex

	// Auto, when set, answers every call synchronously from inside Call.
	Auto func(rpc.Call) rpc.Reply
	// CallErr, when set, makes Call refuse submissions.
	CallErr error
	// EventErr, when set, makes SendEvent fail.
	EventErr error

	calls   []rpc.Call
	done    map[string]func(rpc.Reply)
	events  []rpc.Event
	onEvent func(rpc.Event)
	onHang  func()
	onCall  func(rpc.Call)
	closed  bool
}

// Call implements rpc.Channel.
func (f *Fake) Call(c rpc.Call, done func(rpc.Reply)) error {
	f.mu.Lock()
	if f.CallErr != nil {
		f.mu.Unlock()
		return f.CallErr
	}
	if f.closed {
		f.mu.Unlock()
		return rpc.ErrClosed
	}
	f.calls = append(f.calls, c)
	auto := f.Auto
	if auto == nil {
		if f.done == nil {
			f.done = make(map[string]func(rpc.Reply))
		}
		f.done[c.Token] = done
	}
	f.mu.Unlock()

	if auto != nil {
		r := auto(c)
		r.Token = c.Token
		done(r)
	}
	return nil
}

// SendEvent implements rpc.Channel.
func (f *Fake) SendEvent(name string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EventErr != nil {
		return f.EventErr
	}
	f.events = append(f.events, rpc.Event{Name: name, Data: data})
	return nil
}

// OnEvent implements rpc.Channel.
func (f *Fake) OnEvent(fn func(rpc.Event)) { f.onEvent = fn }

// OnCall implements rpc.Inbound.
func (f *Fake) OnCall(fn func(rpc.Call)) { f.onCall = fn }

// OnHangup implements rpc.Channel.
func (f *Fake) OnHangup(fn func()) { f.onHang = fn }

// Close implements rpc.Channel.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Calls returns the calls received so far.
func (f *Fake) Calls() []rpc.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.Call(nil), f.calls...)
}

// Events returns the events sent so far.
func (f *Fake) Events() []rpc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.Event(nil), f.events...)
}

// Outstanding returns the tokens of calls not yet completed, in no
// particular order.
func (f *Fake) Outstanding() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for tok := range f.done {
		out = append(out, tok)
	}
	return out
}

// Complete answers the outstanding call with token. It reports false if
// there is none.
func (f *Fake) Complete(token string, r rpc.Reply) bool {
	f.mu.Lock()
	done, ok := f.done[token]
	delete(f.done, token)
	f.mu.Unlock()
	if !ok {
		return false
	}
	r.Token = token
	done(r)
	return true
}

// Push delivers a server event.
func (f *Fake) Push(ev rpc.Event) {
	if f.onEvent != nil {
		f.onEvent(ev)
	}
}

// Invoke delivers a call from the server.
func (f *Fake) Invoke(c rpc.Call) {
	if f.onCall != nil {
		f.onCall(c)
	}
}

// Hangup fires the hangup callback.
func (f *Fake) Hangup() {
	if f.onHang != nil {
		f.onHang()
	}
}
