// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package linesource

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/callpipe/internal/session"
)

type chanPoster chan func()

func (p chanPoster) Post(fn func()) { p <- fn }

type recorder struct {
	lines  []string
	closed bool

	mu      sync.Mutex
	failed  chan struct{}
	code    int
	failErr error
}

func (r *recorder) Feed(line string) { r.lines = append(r.lines, line) }
func (r *recorder) CloseInput()      { r.closed = true }

func (r *recorder) Fail(code int, err error) {
	r.mu.Lock()
	r.code, r.failErr = code, err
	r.mu.Unlock()
	if r.failed != nil {
		close(r.failed)
	}
}

// pump runs posted functions until the sink has seen input close.
func pump(t *testing.T, p chanPoster, r *recorder) {
	t.Helper()
	for !r.closed {
		select {
		case fn := <-p:
			fn()
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for input")
		}
	}
}

func newTestTerminal(input io.Reader) (*Terminal, chanPoster) {
	p := make(chanPoster, 16)
	rw := struct {
		io.Reader
		io.Writer
	}{input, io.Discard}
	return New(rw, "> ", p), p
}

func TestTerminalFeedsLines(t *testing.T) {
	pr, pw := io.Pipe()
	term, p := newTestTerminal(pr)
	defer term.Close()

	r := &recorder{}
	term.Start(r)
	go func() {
		pw.Write([]byte("hello ping {\"x\":1}\r"))
		pw.Write([]byte("!echo hi\n"))
		pw.Close()
	}()
	pump(t, p, r)

	assert.Equal(t, []string{`hello ping {"x":1}`, "!echo hi"}, r.lines)
}

func TestTerminalCtrlDClosesInput(t *testing.T) {
	pr, pw := io.Pipe()
	term, p := newTestTerminal(pr)
	defer term.Close()

	r := &recorder{}
	term.Start(r)
	go pw.Write([]byte{4})
	pump(t, p, r)

	assert.Empty(t, r.lines)
	pw.Close()
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestTerminalReadErrorFailsSession(t *testing.T) {
	errGone := errors.New("tty gone")
	term, p := newTestTerminal(failingReader{errGone})
	defer term.Close()

	r := &recorder{failed: make(chan struct{})}
	term.Start(r)
	select {
	case <-r.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, session.ExitInputFail, r.code)
	assert.ErrorIs(t, r.failErr, errGone)
	assert.False(t, r.closed)
	assert.Empty(t, p)
}

func TestTerminalPause(t *testing.T) {
	pr, pw := io.Pipe()
	term, p := newTestTerminal(pr)
	defer term.Close()

	term.SetPaused(true)
	r := &recorder{}
	term.Start(r)

	written := make(chan struct{})
	go func() {
		pw.Write([]byte("a\r"))
		close(written)
	}()

	// Nothing reads the pipe while paused, so the write cannot finish.
	select {
	case <-written:
		t.Fatal("input was read while paused")
	case fn := <-p:
		fn()
		t.Fatalf("line delivered while paused: %v", r.lines)
	case <-time.After(100 * time.Millisecond):
	}

	term.SetPaused(false)
	go func() {
		<-written
		pw.Close()
	}()
	pump(t, p, r)
	require.Equal(t, []string{"a"}, r.lines)
}

func TestTerminalWriteFunc(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	term := New(struct {
		io.Reader
		io.Writer
	}{pr, out}, "", make(chanPoster, 1))

	write := term.WriteFunc(1)
	n, err := write(1, []byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Contains(t, out.String(), "line\r\n")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
