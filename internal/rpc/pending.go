// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package rpc

import "sync"

// Pending tracks outstanding calls by numeric id. It is safe for
// concurrent use. Completion callbacks are always delivered via the
// Poster.
type Pending struct {
	poster Poster

	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]pendingCall
	closed error
}

type pendingCall struct {
	token string
	done  func(Reply)
}

// NewPending returns a table that posts completions through p.
func NewPending(p Poster) *Pending {
	return &Pending{poster: p, calls: make(map[uint64]pendingCall)}
}

// Add registers a call and returns its id. It fails once the table has
// been drained.
func (p *Pending) Add(token string, done func(Reply)) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return 0, p.closed
	}
	p.nextID++
	p.calls[p.nextID] = pendingCall{token: token, done: done}
	return p.nextID, nil
}

// Remove forgets id without completing it. It is used when the call
// could not be sent after Add. It reports false when the call was no
// longer registered, in which case Complete or Drain has already taken
// ownership of its completion.
func (p *Pending) Remove(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	delete(p.calls, id)
	return ok
}

// Complete delivers r to the call registered under id, stamping the
// call's token. Unknown ids are ignored and reported false.
func (p *Pending) Complete(id uint64, r Reply) bool {
	p.mu.Lock()
	pc, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	r.Token = pc.token
	p.poster.Post(func() { pc.done(r) })
	return true
}

// Len returns the number of outstanding calls.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Drain fails every outstanding call with err and rejects later Adds.
func (p *Pending) Drain(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[uint64]pendingCall)
	if p.closed == nil {
		p.closed = err
	}
	p.mu.Unlock()
	for _, pc := range calls {
		r := Failed(pc.token, err)
		done := pc.done
		p.poster.Post(func() { done(r) })
	}
}
