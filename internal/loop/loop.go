// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package loop is a small single-threaded reactor built on poll(2).
//
// All watch callbacks and posted functions run on the goroutine calling
// RunOnce. Post is the only method that may be called from other
// goroutines; it wakes a pending poll through a self-pipe.
package loop

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop multiplexes descriptor readiness and posted work.
type Loop struct {
	mu     sync.Mutex
	posted []func()

	wakeR, wakeW int

	readers map[int]func()
	writers map[int]func()

	pollfds []unix.PollFd
}

// New creates a loop with its wake pipe.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("loop: wake pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("loop: wake pipe: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return &Loop{
		wakeR:   p[0],
		wakeW:   p[1],
		readers: make(map[int]func()),
		writers: make(map[int]func()),
	}, nil
}

// Close releases the wake pipe. Watches are dropped.
func (l *Loop) Close() error {
	clear(l.readers)
	clear(l.writers)
	err := unix.Close(l.wakeR)
	if err2 := unix.Close(l.wakeW); err == nil {
		err = err2
	}
	return err
}

// WatchRead calls fn every time fd is readable (or hung up) until
// UnwatchRead is called. Replaces any previous read watch on fd.
func (l *Loop) WatchRead(fd int, fn func()) {
	l.readers[fd] = fn
}

// UnwatchRead removes the read watch on fd, if any.
func (l *Loop) UnwatchRead(fd int) {
	delete(l.readers, fd)
}

// WatchWrite calls fn once, the next time fd is writable.
func (l *Loop) WatchWrite(fd int, fn func()) {
	l.writers[fd] = fn
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	wake := len(l.posted) == 0
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	if wake {
		// A full pipe already guarantees a wakeup.
		_, _ = unix.Write(l.wakeW, []byte{0})
	}
}

// RunOnce waits up to timeout for activity, then runs posted functions and
// ready callbacks. A negative timeout waits indefinitely.
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.pollfds = l.pollfds[:0]
	l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})

	fds := slices.Sorted(maps.Keys(l.readers))
	for fd := range l.writers {
		if _, ok := l.readers[fd]; !ok {
			fds = append(fds, fd)
		}
	}
	for _, fd := range fds {
		var ev int16
		if _, ok := l.readers[fd]; ok {
			ev |= unix.POLLIN
		}
		if _, ok := l.writers[fd]; ok {
			ev |= unix.POLLOUT
		}
		l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	if len(l.pendingPosts()) > 0 {
		ms = 0
	}

	n, err := unix.Poll(l.pollfds, ms)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("loop: poll: %w", err)
	}

	if n > 0 && l.pollfds[0].Revents != 0 {
		l.drainWake()
	}
	l.runPosted()

	if n <= 0 {
		return nil
	}
	for _, pfd := range l.pollfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		failed := pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		if pfd.Revents&unix.POLLOUT != 0 || (failed && pfd.Events&unix.POLLOUT != 0) {
			if fn, ok := l.writers[fd]; ok {
				delete(l.writers, fd)
				fn()
			}
		}
		if pfd.Revents&unix.POLLIN != 0 || (failed && pfd.Events&unix.POLLIN != 0) {
			if fn, ok := l.readers[fd]; ok {
				fn()
			}
		}
	}
	return nil
}

func (l *Loop) pendingPosts() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posted
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
