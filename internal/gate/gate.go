// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package gate bounds the number of outstanding calls.
//
// A Gate is not safe for concurrent use; it belongs to the event loop.
package gate

import (
	"errors"
	"fmt"
)

// ErrUnbalanced reports a Release with nothing in flight.
var ErrUnbalanced = errors.New("release without matching admission")

// Gate is a counting admission gate with a FIFO of deferred items.
type Gate[T any] struct {
	ceiling  int
	inflight int
	pending  []T
	draining bool

	paused  bool
	onPause func(paused bool)
}

// New creates a gate admitting at most ceiling items at once. A ceiling of
// zero admits everything.
func New[T any](ceiling int) *Gate[T] {
	if ceiling < 0 {
		ceiling = 0
	}
	return &Gate[T]{ceiling: ceiling}
}

// OnPause registers fn to be told when the input feeding the gate should
// stop (true) or resume (false).
func (g *Gate[T]) OnPause(fn func(paused bool)) {
	g.onPause = fn
}

// Ceiling returns the configured limit.
func (g *Gate[T]) Ceiling() int { return g.ceiling }

// InFlight returns the number of admitted, uncompleted items.
func (g *Gate[T]) InFlight() int { return g.inflight }

// Pending returns the number of queued items.
func (g *Gate[T]) Pending() int { return len(g.pending) }

// Idle reports whether nothing is in flight or queued.
func (g *Gate[T]) Idle() bool { return g.inflight == 0 && len(g.pending) == 0 }

// Paused reports whether the input should currently be held back.
func (g *Gate[T]) Paused() bool { return g.paused }

func (g *Gate[T]) headroom() bool {
	return g.ceiling == 0 || g.inflight < g.ceiling
}

// Admit returns true and counts item as in flight when there is room;
// otherwise it queues item behind any earlier ones and returns false.
func (g *Gate[T]) Admit(item T) bool {
	defer g.update()
	if len(g.pending) == 0 && g.headroom() {
		g.inflight++
		return true
	}
	g.pending = append(g.pending, item)
	return false
}

// Release marks one item complete and dispatches queued items, oldest
// first, while there is room. dispatch may itself complete synchronously
// and call Release again.
func (g *Gate[T]) Release(dispatch func(T)) error {
	if g.inflight <= 0 {
		return fmt.Errorf("gate: %w (in flight %d, pending %d)", ErrUnbalanced, g.inflight, len(g.pending))
	}
	g.inflight--
	if g.draining {
		return nil
	}

	g.draining = true
	for len(g.pending) > 0 && g.headroom() {
		item := g.pending[0]
		var zero T
		g.pending[0] = zero
		g.pending = g.pending[1:]
		g.inflight++
		dispatch(item)
	}
	g.draining = false
	if len(g.pending) == 0 {
		g.pending = nil
	}
	g.update()
	return nil
}

func (g *Gate[T]) update() {
	if g.draining {
		return
	}
	paused := g.ceiling > 0 && (!g.headroom() || len(g.pending) > 0)
	if paused == g.paused {
		return
	}
	g.paused = paused
	if g.onPause != nil {
		g.onPause(paused)
	}
}
