// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marcelocantos/callpipe/internal/command"
	"github.com/marcelocantos/callpipe/internal/loop"
	"github.com/marcelocantos/callpipe/internal/render"
	"github.com/marcelocantos/callpipe/internal/rpc"
	"github.com/marcelocantos/callpipe/internal/rpc/rpctest"
)

// fakeReactor runs posted functions and treats every descriptor as
// writable. Read watches are recorded but never fired.
type fakeReactor struct {
	mu      sync.Mutex
	posted  []func()
	wake    chan struct{}
	readers map[int]func()
	writers map[int]func()
	idle    int
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		wake:    make(chan struct{}, 1),
		readers: make(map[int]func()),
		writers: make(map[int]func()),
	}
}

func (r *fakeReactor) WatchRead(fd int, fn func())  { r.readers[fd] = fn }
func (r *fakeReactor) UnwatchRead(fd int)           { delete(r.readers, fd) }
func (r *fakeReactor) WatchWrite(fd int, fn func()) { r.writers[fd] = fn }

func (r *fakeReactor) Post(fn func()) {
	r.mu.Lock()
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *fakeReactor) RunOnce(time.Duration) error {
	r.mu.Lock()
	posted := r.posted
	r.posted = nil
	r.mu.Unlock()

	writers := r.writers
	r.writers = make(map[int]func())
	if len(posted) == 0 && len(writers) == 0 {
		select {
		case <-r.wake:
		case <-time.After(20 * time.Millisecond):
			r.idle++
			if r.idle > 100 {
				return errors.New("fake reactor: nothing left to do")
			}
		}
	}
	for _, fn := range posted {
		fn()
	}
	for _, fn := range writers {
		fn()
	}
	return nil
}

// capture collects everything written, per descriptor.
type capture struct {
	mu   sync.Mutex
	bufs map[int]*bytes.Buffer
	fail map[int]error
}

func newCapture() *capture {
	return &capture{bufs: make(map[int]*bytes.Buffer), fail: make(map[int]error)}
}

func (c *capture) write(fd int, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[fd]; err != nil {
		return 0, err
	}
	b := c.bufs[fd]
	if b == nil {
		b = &bytes.Buffer{}
		c.bufs[fd] = b
	}
	return b.Write(p)
}

func (c *capture) text(fd int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.bufs[fd]; b != nil {
		return b.String()
	}
	return ""
}

func (c *capture) lines(fd int) []string {
	s := strings.TrimSuffix(c.text(fd), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type pauseLog struct{ events []bool }

func (p *pauseLog) SetPaused(paused bool) { p.events = append(p.events, paused) }

func success(c rpc.Call) rpc.Reply {
	return rpc.Reply{Status: rpc.StatusSuccess, Data: c.Args}
}

func newSession(t *testing.T, ch rpc.Channel, opts Options) (*Session, *fakeReactor, *capture) {
	t.Helper()
	rx := newFakeReactor()
	out := newCapture()
	opts.WriteFunc = out.write
	return New(rx, ch, opts), rx, out
}

func run(t *testing.T, s *Session) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestRoundTrip(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, out := newSession(t, fake, Options{Ceiling: 1})

	s.ReadLines(nil)
	s.Feed(`hello ping {"x":1}`)
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1:hello/ping", calls[0].Token)
	assert.JSONEq(t, `{"x":1}`, string(calls[0].Args))
	assert.Equal(t,
		`{"jtype":"afb-reply","request":{"status":"success"},"response":{"x":1}}`+"\n",
		out.text(1))
	assert.Empty(t, out.text(2))
	assert.Zero(t, s.InFlight())
}

func TestCeilingTwoWithThreeLines(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, out := newSession(t, fake, Options{Ceiling: 2})
	pauses := &pauseLog{}
	s.ReadLines(pauses)

	for i := 1; i <= 3; i++ {
		s.Feed(fmt.Sprintf("hello ping %d", i))
	}
	assert.Len(t, fake.Calls(), 2)
	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 1, s.Queued())
	assert.Equal(t, []bool{true}, pauses.events)

	require.True(t, fake.Complete("1:hello/ping", rpc.Reply{Status: rpc.StatusSuccess}))
	calls := fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "3", string(calls[2].Args))
	assert.Equal(t, 2, s.InFlight())
	assert.Zero(t, s.Queued())
	assert.Equal(t, []bool{true}, pauses.events, "still full")

	require.True(t, fake.Complete("2:hello/ping", rpc.Reply{Status: rpc.StatusSuccess}))
	assert.Equal(t, []bool{true, false}, pauses.events)
	require.True(t, fake.Complete("3:hello/ping", rpc.Reply{Status: rpc.StatusSuccess}))
	assert.Zero(t, s.InFlight())

	s.CloseInput()
	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Len(t, out.lines(1), 3)
}

func TestShellEscapeNeverReachesChannel(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	var ran []string
	s, _, out := newSession(t, fake, Options{
		Ceiling: 1,
		Shell: func(_ context.Context, text string) ([]byte, []byte, error) {
			ran = append(ran, text)
			return []byte("hi\n"), nil, nil
		},
	})

	s.ReadLines(nil)
	s.Feed("!echo hi")
	assert.Empty(t, fake.Calls())
	assert.Zero(t, s.InFlight())
	assert.Equal(t, []string{"echo hi"}, ran)

	s.CloseInput()
	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, "hi\n", out.text(1))
}

func TestRealShellEscape(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	fake := &rpctest.Fake{}
	s, _, out := newSession(t, fake, Options{})
	s.ReadLines(nil)
	s.Feed("!echo out; echo err >&2")
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, "out\n", out.text(1))
	assert.Equal(t, "err\n", out.text(2))
	assert.Empty(t, fake.Calls())
}

func TestShellDisabled(t *testing.T) {
	s, _, out := newSession(t, &rpctest.Fake{}, Options{NoShell: true})
	s.ReadLines(nil)
	s.Feed("!echo hi")
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, "shell escapes are disabled: !echo hi\n", out.text(2))
	assert.Empty(t, out.text(1))
}

func TestMalformedLineDoesNotStopProcessing(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, out := newSession(t, fake, Options{Ceiling: 1})

	s.ReadLines(nil)
	s.Feed("hello")
	assert.Zero(t, s.InFlight())
	s.Feed("hello ping")
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, "verb missing, bad line: hello\n", out.text(2))
	assert.Len(t, fake.Calls(), 1)
	assert.Len(t, out.lines(1), 1)
}

func TestExitStatusFollowsLastCompletion(t *testing.T) {
	reply := func(c rpc.Call) rpc.Reply {
		if c.Verb == "fail" {
			return rpc.Reply{Status: "failed", Info: "on purpose"}
		}
		return success(c)
	}
	tests := []struct {
		lines []string
		want  int
	}{
		{[]string{"hello ping", "hello fail"}, ExitError},
		{[]string{"hello fail", "hello ping"}, ExitSuccess},
		{nil, ExitSuccess},
	}
	for _, tt := range tests {
		s, _, _ := newSession(t, &rpctest.Fake{Auto: reply}, Options{})
		s.ReadLines(nil)
		for _, l := range tt.lines {
			s.Feed(l)
		}
		s.CloseInput()
		assert.Equal(t, tt.want, run(t, s), "lines %v", tt.lines)
	}
}

func TestSubmitFailureCountsAsCompleted(t *testing.T) {
	fake := &rpctest.Fake{CallErr: errors.New("broken pipe")}
	s, _, out := newSession(t, fake, Options{Ceiling: 1})

	s.ReadLines(nil)
	s.Feed("hello ping")
	s.Feed("hello ping 2")
	assert.Zero(t, s.InFlight())
	assert.Zero(t, s.Queued())
	s.CloseInput()

	assert.Equal(t, ExitError, run(t, s))
	assert.Equal(t, []string{
		"calling hello/ping() failed: broken pipe",
		"calling hello/ping(2) failed: broken pipe",
	}, out.lines(2))
	assert.Empty(t, out.text(1))
}

func TestHangup(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, out := newSession(t, fake, Options{})
	s.ReadLines(nil)
	s.Feed("hello ping")
	fake.Hangup()

	assert.True(t, s.Done())
	assert.Equal(t, ExitHangUp, run(t, s))
	assert.Equal(t, "ON-HANGUP\n", out.text(1))

	// Late completions are dropped.
	fake.Complete("1:hello/ping", rpc.Reply{Status: rpc.StatusSuccess})
	assert.Equal(t, "ON-HANGUP\n", out.text(1))
}

func TestInputFailureEndsSession(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, out := newSession(t, fake, Options{KeepRunning: true})
	s.ReadLines(nil)
	s.Feed("hello ping 1")
	s.Fail(ExitInputFail, errors.New("read error: tty gone"))

	assert.Equal(t, ExitInputFail, run(t, s))
	assert.Len(t, out.lines(1), 1, "reply flushed before exit")
	assert.Contains(t, out.text(2), "tty gone")
}

func TestKeepRunningUntilHangup(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, rx, out := newSession(t, fake, Options{KeepRunning: true})
	s.ReadLines(nil)
	s.Feed("hello ping")
	s.CloseInput()
	assert.False(t, s.Done())

	rx.Post(fake.Hangup)
	assert.Equal(t, ExitHangUp, run(t, s))
	assert.Equal(t, 2, len(out.lines(1)))
}

func TestBreakAfterFirstSend(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, _ := newSession(t, fake, Options{Break: true})
	s.ReadLines(nil)
	s.Feed("hello ping")
	s.Feed("hello ping again")

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Len(t, fake.Calls(), 1)
}

func TestEventsBypassGate(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, _ := newSession(t, fake, Options{Ceiling: 1})
	s.ReadLines(nil)
	s.Feed("hello ping")
	s.Feed("hello ping 2")
	s.Feed(`! changed {"v":1}`)

	events := fake.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "changed", events[0].Name)
	assert.Equal(t, 1, s.InFlight())
	assert.Equal(t, 1, s.Queued())
}

func TestServerEventsAndEcho(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, out := newSession(t, fake, Options{Echo: true, Format: render.Format{Human: true}})
	s.ReadLines(nil)
	s.Feed("hello ping 7")
	fake.Push(rpc.Event{Name: "hello/tick", Data: json.RawMessage(`{"n":1}`)})
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, []string{
		"SEND-CALL hello/ping 7",
		"ON-REPLY 1:hello/ping: success ",
		"7",
		"ON-EVENT hello/tick:",
		"{",
		`  "n": 1`,
		"}",
	}, out.lines(1))
}

func TestServerCallsAreShown(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, out := newSession(t, fake, Options{Format: render.Format{Raw: true, Human: true}})
	s.ReadLines(nil)
	fake.Invoke(rpc.Call{API: "client", Verb: "ask", Args: json.RawMessage(`1`)})
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, []string{
		`{"jtype":"afb-call","api":"client","verb":"ask","data":1}`,
		"ON-CALL client/ask:",
		"1",
	}, out.lines(1))
}

func TestDirectMode(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, _ := newSession(t, fake, Options{Mode: command.Direct})
	s.Exec("status")

	assert.Equal(t, ExitSuccess, run(t, s))
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1:status", calls[0].Token)
	assert.Equal(t, "null", string(calls[0].Args))
}

func TestInterrupt(t *testing.T) {
	fake := &rpctest.Fake{}
	s, _, _ := newSession(t, fake, Options{})
	s.ReadLines(nil)
	s.Feed("hello ping")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ExitInterrupted, s.Run(ctx))
}

func TestWriteFailureIsInternal(t *testing.T) {
	fake := &rpctest.Fake{Auto: success}
	s, _, out := newSession(t, fake, Options{})
	out.fail[1] = unix.EPIPE
	s.ReadLines(nil)
	s.Feed("hello ping")

	assert.Equal(t, ExitInternal, run(t, s))
}

type recorded struct {
	token, target, status string
}

type memJournal struct{ recs []recorded }

func (j *memJournal) Record(token, target, status, info string, elapsed time.Duration) error {
	j.recs = append(j.recs, recorded{token, target, status})
	return nil
}

func TestJournalRecordsCompletions(t *testing.T) {
	j := &memJournal{}
	fake := &rpctest.Fake{}
	s, _, _ := newSession(t, fake, Options{Journal: j})
	s.ReadLines(nil)
	s.Feed("hello ping")
	s.Feed("hello fail")
	fake.Complete("2:hello/fail", rpc.Reply{Status: "failed"})
	fake.Complete("1:hello/ping", rpc.Reply{Status: rpc.StatusSuccess})
	s.CloseInput()

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Equal(t, []recorded{
		{"2:hello/fail", "hello/fail", "failed"},
		{"1:hello/ping", "hello/ping", rpc.StatusSuccess},
	}, j.recs)
}

// asyncChannel completes calls from other goroutines after a random delay
// and tracks the peak number of outstanding calls.
type asyncChannel struct {
	rpctest.Fake
	post func(func())

	mu      sync.Mutex
	current int
	peak    int
	order   []string
}

func (a *asyncChannel) Call(c rpc.Call, done func(rpc.Reply)) error {
	a.mu.Lock()
	a.current++
	a.peak = max(a.peak, a.current)
	a.order = append(a.order, string(c.Args))
	a.mu.Unlock()

	delay := time.Duration(rand.IntN(3)) * time.Millisecond
	go func() {
		time.Sleep(delay)
		a.mu.Lock()
		a.current--
		a.mu.Unlock()
		a.post(func() { done(rpc.Reply{Token: c.Token, Status: rpc.StatusSuccess, Data: c.Args}) })
	}()
	return nil
}

func pipeInput(t *testing.T, input string) int {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() { unix.Close(p[0]) })
	go func() {
		defer unix.Close(p[1])
		data := []byte(input)
		for len(data) > 0 {
			n, err := unix.Write(p[1], data)
			if err != nil {
				return
			}
			data = data[n:]
		}
	}()
	require.NoError(t, unix.SetNonblock(p[0], true))
	return p[0]
}

func TestPipedInputRespectsCeiling(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	const n = 200
	var input strings.Builder
	for i := range n {
		fmt.Fprintf(&input, "hello ping %d\n", i)
		if i%50 == 0 {
			input.WriteString("# comment\n\n")
		}
	}

	ch := &asyncChannel{post: l.Post}
	out := newCapture()
	s := New(l, ch, Options{Ceiling: 3, WriteFunc: out.write})
	s.ReadFD(pipeInput(t, input.String()))

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.LessOrEqual(t, ch.peak, 3)
	assert.Equal(t, 3, ch.peak)
	require.Len(t, ch.order, n)
	for i, args := range ch.order {
		require.Equal(t, fmt.Sprint(i), args, "submission order")
	}
	assert.Len(t, out.lines(1), n)
	assert.Empty(t, out.text(2))
}

func TestPipedInputWithoutTrailingNewline(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	fake := &rpctest.Fake{Auto: success}
	out := newCapture()
	s := New(l, fake, Options{WriteFunc: out.write})
	s.ReadFD(pipeInput(t, "hello ping 1\nhello ping 2"))

	assert.Equal(t, ExitSuccess, run(t, s))
	assert.Len(t, fake.Calls(), 2)
}

func TestLineOverflow(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()

	fake := &rpctest.Fake{Auto: success}
	out := newCapture()
	s := New(l, fake, Options{MaxLine: 8, WriteFunc: out.write})
	s.ReadFD(pipeInput(t, "a b\nhello ping way too long\n"))

	assert.Equal(t, ExitLineOverflow, run(t, s))
	assert.Len(t, fake.Calls(), 1)
	assert.Contains(t, out.text(2), "overflow")
}
