// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package linesource reads commands interactively from a terminal, with
// line editing and history, for sessions whose input is a tty.
package linesource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/marcelocantos/callpipe/internal/output"
	"github.com/marcelocantos/callpipe/internal/rpc"
	"github.com/marcelocantos/callpipe/internal/session"
)

// Sink receives lines on the loop goroutine. Fail may be called from any
// goroutine.
type Sink interface {
	Feed(line string)
	CloseInput()
	Fail(code int, err error)
}

// Terminal runs a line editor on its own goroutine and posts each line to
// a Sink. While paused it stops reading, leaving keystrokes in the tty.
type Terminal struct {
	term  *term.Terminal
	post  rpc.Poster
	fd    int
	state *term.State

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd int) bool { return term.IsTerminal(fd) }

// Open puts in into raw mode and edits lines on it, echoing to out. Close
// restores the previous mode.
func Open(in *os.File, out io.Writer, prompt string, post rpc.Poster) (*Terminal, error) {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	t := New(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt, post)
	t.fd = fd
	t.state = state
	if w, h, err := term.GetSize(fd); err == nil {
		t.term.SetSize(w, h)
	}
	return t, nil
}

// New edits lines read from rw without changing any terminal mode.
func New(rw io.ReadWriter, prompt string, post rpc.Poster) *Terminal {
	t := &Terminal{
		term: term.NewTerminal(rw, prompt),
		post: post,
		fd:   -1,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start begins reading. Lines go to sink.Feed and end of input (Ctrl-D on
// an empty line) goes to sink.CloseInput. A read error ends the session
// through sink.Fail.
func (t *Terminal) Start(sink Sink) {
	go t.run(sink)
}

func (t *Terminal) run(sink Sink) {
	for {
		t.mu.Lock()
		for t.paused && !t.stopped {
			t.cond.Wait()
		}
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		line, err := t.term.ReadLine()
		switch {
		case errors.Is(err, io.EOF):
			t.post.Post(sink.CloseInput)
			return
		case err != nil && !errors.Is(err, term.ErrPasteIndicator):
			sink.Fail(session.ExitInputFail, fmt.Errorf("read error: %w", err))
			return
		}
		t.post.Post(func() { sink.Feed(line) })
	}
}

// SetPaused holds back reading while the session cannot admit calls.
func (t *Terminal) SetPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = paused
	if !paused {
		t.cond.Broadcast()
	}
}

// Write prints p above the prompt.
func (t *Terminal) Write(p []byte) (int, error) {
	return t.term.Write(p)
}

// WriteFunc routes writes to the given descriptors through the line
// editor, so output does not garble the line being typed. Other
// descriptors use write(2).
func (t *Terminal) WriteFunc(fds ...int) output.WriteFunc {
	return func(fd int, p []byte) (int, error) {
		for _, f := range fds {
			if f == fd {
				return t.term.Write(p)
			}
		}
		return unix.Write(fd, p)
	}
}

// Close stops reading and restores the terminal mode.
func (t *Terminal) Close() error {
	t.mu.Lock()
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()
	if t.state != nil {
		return term.Restore(t.fd, t.state)
	}
	return nil
}
