// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package output queues bytes for non-blocking descriptors and drains them
// as the descriptors become writable.
package output

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Watcher arms one-shot writability notifications.
type Watcher interface {
	WatchWrite(fd int, fn func())
}

// WriteFunc writes to a descriptor. It follows write(2): a would-block
// condition is reported as unix.EAGAIN.
type WriteFunc func(fd int, p []byte) (int, error)

type chunk struct {
	buf []byte
	off int
}

type queue struct {
	chunks []*chunk
	armed  bool
}

// Writer owns one ordered queue per descriptor. It must only be used from
// the loop goroutine; see PostWriter for other goroutines.
type Writer struct {
	watcher Watcher
	write   WriteFunc
	queues  map[int]*queue
	pending int
	onFatal func(error)
	failed  error
}

// Option configures a Writer.
type Option func(*Writer)

// WithWriteFunc replaces write(2), mainly for tests.
func WithWriteFunc(fn WriteFunc) Option {
	return func(w *Writer) { w.write = fn }
}

// New creates a Writer that re-arms through watcher.
func New(watcher Watcher, opts ...Option) *Writer {
	w := &Writer{
		watcher: watcher,
		write:   unix.Write,
		queues:  make(map[int]*queue),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnFatal registers fn to receive the first unrecoverable write error.
func (w *Writer) OnFatal(fn func(error)) {
	w.onFatal = fn
}

// Err returns the first unrecoverable write error, if any.
func (w *Writer) Err() error {
	return w.failed
}

// Pending returns the number of queued bytes not yet written.
func (w *Writer) Pending() int {
	return w.pending
}

// Enqueue appends p to fd's queue and tries to write it at once. The
// Writer takes ownership of p.
func (w *Writer) Enqueue(fd int, p []byte) {
	if len(p) == 0 || w.failed != nil {
		return
	}
	q := w.queues[fd]
	if q == nil {
		q = &queue{}
		w.queues[fd] = q
	}
	q.chunks = append(q.chunks, &chunk{buf: p})
	w.pending += len(p)
	w.drainOrFail(fd)
}

// Printf formats and enqueues.
func (w *Writer) Printf(fd int, format string, args ...any) {
	w.Enqueue(fd, fmt.Appendf(nil, format, args...))
}

// Drain writes as much of fd's queue as the descriptor accepts. On
// would-block it arms a single writability watch.
func (w *Writer) Drain(fd int) error {
	q := w.queues[fd]
	if q == nil {
		return nil
	}
	for len(q.chunks) > 0 {
		c := q.chunks[0]
		n, err := w.write(fd, c.buf[c.off:])
		if n > 0 {
			c.off += n
			w.pending -= n
		}
		if c.off == len(c.buf) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			continue
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == nil && n > 0:
			continue
		case err == nil, err == unix.EAGAIN, err == unix.EWOULDBLOCK:
			w.arm(fd, q)
			return nil
		default:
			return fmt.Errorf("write fd %d: %w", fd, err)
		}
	}
	q.chunks = nil
	return nil
}

func (w *Writer) arm(fd int, q *queue) {
	if q.armed {
		return
	}
	q.armed = true
	w.watcher.WatchWrite(fd, func() {
		q.armed = false
		w.drainOrFail(fd)
	})
}

func (w *Writer) drainOrFail(fd int) {
	if err := w.Drain(fd); err != nil && w.failed == nil {
		w.failed = err
		if w.onFatal != nil {
			w.onFatal(err)
		}
	}
}
