// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queue) Post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
}

func (q *queue) run() int {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func TestPendingCompleteStampsToken(t *testing.T) {
	q := &queue{}
	p := NewPending(q)

	var got []Reply
	id, err := p.Add("1:hello/ping", func(r Reply) { got = append(got, r) })
	require.NoError(t, err)

	assert.True(t, p.Complete(id, Reply{Status: StatusSuccess}))
	assert.False(t, p.Complete(id, Reply{Status: StatusSuccess}), "second completion ignored")
	assert.Empty(t, got, "delivered through the poster only")

	assert.Equal(t, 1, q.run())
	require.Len(t, got, 1)
	assert.Equal(t, "1:hello/ping", got[0].Token)
	assert.True(t, got[0].OK())
	assert.Zero(t, p.Len())
}

func TestPendingDrain(t *testing.T) {
	q := &queue{}
	p := NewPending(q)

	var got []Reply
	for _, tok := range []string{"1:a", "2:b", "3:c"} {
		_, err := p.Add(tok, func(r Reply) { got = append(got, r) })
		require.NoError(t, err)
	}

	p.Drain(ErrClosed)
	assert.Equal(t, 3, q.run())
	require.Len(t, got, 3)
	for _, r := range got {
		assert.False(t, r.OK())
		assert.ErrorIs(t, r.Err, ErrClosed)
	}

	_, err := p.Add("4:d", func(Reply) {})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestPendingRemove(t *testing.T) {
	p := NewPending(&queue{})
	id, err := p.Add("1:x", func(Reply) { t.Fatal("removed call completed") })
	require.NoError(t, err)
	assert.True(t, p.Remove(id))
	assert.False(t, p.Complete(id, Reply{}))
	assert.False(t, p.Remove(id))
}

func TestPendingRemoveAfterDrain(t *testing.T) {
	q := &queue{}
	p := NewPending(q)
	calls := 0
	id, err := p.Add("1:x", func(Reply) { calls++ })
	require.NoError(t, err)

	p.Drain(ErrClosed)
	assert.False(t, p.Remove(id), "drained call must stay owned by Drain")
	assert.Equal(t, 1, q.run())
	assert.Equal(t, 1, calls)
}

func TestReplyOK(t *testing.T) {
	assert.True(t, Reply{Status: StatusSuccess}.OK())
	assert.False(t, Reply{Status: "failed"}.OK())
	assert.False(t, Reply{Status: StatusSuccess, Err: ErrClosed}.OK())

	r := Failed("7:v", errors.New("boom"))
	assert.Equal(t, "7:v", r.Token)
	assert.Equal(t, "boom", r.Info)
	assert.False(t, r.OK())
}
