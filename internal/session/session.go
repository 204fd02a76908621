// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package session ties the line framer, parser, admission gate, dispatcher
// and output queues together on one event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/marcelocantos/callpipe/internal/command"
	"github.com/marcelocantos/callpipe/internal/dispatch"
	"github.com/marcelocantos/callpipe/internal/framer"
	"github.com/marcelocantos/callpipe/internal/gate"
	"github.com/marcelocantos/callpipe/internal/output"
	"github.com/marcelocantos/callpipe/internal/render"
	"github.com/marcelocantos/callpipe/internal/rpc"
)

// Exit statuses.
const (
	ExitSuccess      = 0
	ExitError        = 1
	ExitHangUp       = 2
	ExitInputFail    = 3
	ExitBadArg       = 4
	ExitCantConnect  = 5
	ExitLineOverflow = 6
	ExitNoMemory     = 7
	ExitInternal     = 8
	ExitInterrupted  = 130
)

// pollTimeout bounds each wait so exit conditions are rechecked.
const pollTimeout = 30 * time.Second

// Reactor is the event loop a session runs on.
type Reactor interface {
	WatchRead(fd int, fn func())
	UnwatchRead(fd int)
	WatchWrite(fd int, fn func())
	Post(fn func())
	RunOnce(timeout time.Duration) error
}

// Recorder receives one record per completed call.
type Recorder interface {
	Record(token, target, status, info string, elapsed time.Duration) error
}

// ShellFunc runs a shell escape and returns what it printed.
type ShellFunc func(ctx context.Context, text string) (stdout, stderr []byte, err error)

// Options configures a Session.
type Options struct {
	Mode        command.Mode
	Format      render.Format
	Ceiling     int  // maximum calls in flight, 0 for no limit
	KeepRunning bool // stay up after input ends, until hangup
	Break       bool // exit once the first call or event has been sent
	Echo        bool
	NoShell     bool
	MaxLine     int

	Stdout, Stderr int // descriptors; zero selects 1 and 2

	Shell     ShellFunc
	WriteFunc output.WriteFunc
	Journal   Recorder
	Logger    *slog.Logger
}

// Pauser is an input source that can be held back while the gate is full.
type Pauser interface {
	SetPaused(paused bool)
}

// Session is one client run. All methods except those documented
// otherwise must be called on the reactor goroutine.
type Session struct {
	opts   Options
	rx     Reactor
	ch     rpc.Channel
	out    *output.Writer
	gate   *gate.Gate[*command.Command]
	disp   *dispatch.Dispatcher
	parser command.Parser
	log    *slog.Logger
	ctx    context.Context

	stdout, stderr int

	inputOpen bool
	inputFD   int
	framer    *framer.Framer
	pauser    Pauser
	paused    bool

	started map[*command.Command]time.Time
	status  int

	done     bool
	exitCode int
	flush    bool
}

// New creates a session sending on ch.
func New(rx Reactor, ch rpc.Channel, opts Options) *Session {
	s := &Session{
		opts:    opts,
		rx:      rx,
		ch:      ch,
		parser:  command.Parser{Mode: opts.Mode},
		log:     opts.Logger,
		ctx:     context.Background(),
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
		inputFD: -1,
		started: make(map[*command.Command]time.Time),
	}
	if s.stdout == 0 {
		s.stdout = 1
	}
	if s.stderr == 0 {
		s.stderr = 2
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.opts.Shell == nil {
		s.opts.Shell = runShell
	}

	var wopts []output.Option
	if opts.WriteFunc != nil {
		wopts = append(wopts, output.WithWriteFunc(opts.WriteFunc))
	}
	s.out = output.New(rx, wopts...)
	s.out.OnFatal(func(err error) {
		s.log.Error("output failed", "err", err)
		s.finish(ExitInternal, false)
	})

	s.gate = gate.New[*command.Command](opts.Ceiling)
	s.gate.OnPause(s.setPaused)

	s.disp = dispatch.New(ch, s.completed)
	if opts.Echo && !opts.Format.Quiet {
		s.disp.SetEcho(func(line string) { s.out.Enqueue(s.stdout, render.Line(line)) })
	}

	ch.OnEvent(s.event)
	ch.OnHangup(s.hangup)
	if in, ok := ch.(rpc.Inbound); ok {
		in.OnCall(s.inbound)
	}
	return s
}

// Output returns the session's write queues, for routing diagnostics.
func (s *Session) Output() *output.Writer { return s.out }

// Stderr returns the descriptor used for errors.
func (s *Session) Stderr() int { return s.stderr }

// InFlight returns the number of calls awaiting completion.
func (s *Session) InFlight() int { return s.gate.InFlight() }

// Queued returns the number of parsed calls waiting for admission.
func (s *Session) Queued() int { return s.gate.Pending() }

// Done reports whether the session has decided to exit.
func (s *Session) Done() bool { return s.done }

// ReadFD reads commands from fd, which must be non-blocking.
func (s *Session) ReadFD(fd int) {
	s.inputFD = fd
	s.inputOpen = true
	s.framer = framer.New(framer.FD(fd), framer.WithMaxLine(s.opts.MaxLine))
	if !s.paused {
		s.rx.WatchRead(fd, s.readable)
	}
}

// ReadLines declares that lines will be delivered through Feed, and that
// p should be paused while the gate is full. p may be nil.
func (s *Session) ReadLines(p Pauser) {
	s.inputOpen = true
	s.pauser = p
	if p != nil && s.paused {
		p.SetPaused(true)
	}
}

// Feed handles one line from a line-oriented source.
func (s *Session) Feed(line string) {
	if s.done {
		return
	}
	s.handleLine(line)
}

// CloseInput marks the end of input.
func (s *Session) CloseInput() {
	if !s.inputOpen {
		return
	}
	s.inputOpen = false
	if s.inputFD >= 0 {
		s.rx.UnwatchRead(s.inputFD)
	}
	s.log.Debug("input closed", "inflight", s.gate.InFlight(), "queued", s.gate.Pending())
	s.checkExit()
}

// Exec runs one command given on the invocation; input is considered
// closed afterwards.
func (s *Session) Exec(line string) {
	s.Feed(line)
	s.CloseInput()
}

// Fail ends the session with code, flushing output first unless the
// failure is internal. It may be called from any goroutine.
func (s *Session) Fail(code int, err error) {
	s.rx.Post(func() {
		if err != nil && !s.done {
			s.errorf("%v", err)
		}
		s.finish(code, code != ExitInternal)
	})
}

// Run drives the loop until the session ends and returns the exit status.
// Cancelling ctx ends the session with ExitInterrupted after a flush.
func (s *Session) Run(ctx context.Context) int {
	s.ctx = ctx
	stop := context.AfterFunc(ctx, func() {
		s.rx.Post(func() {
			s.log.Debug("interrupted")
			s.finish(ExitInterrupted, true)
		})
	})
	defer stop()

	s.checkExit()
	for {
		if s.done && (!s.flush || s.out.Pending() == 0 || s.out.Err() != nil) {
			return s.exitCode
		}
		if err := s.rx.RunOnce(pollTimeout); err != nil {
			s.log.Error("event loop failed", "err", err)
			return ExitInternal
		}
	}
}

func (s *Session) readable() {
	lines, eof, err := s.framer.Pull()
	for _, line := range lines {
		if s.done {
			return
		}
		s.handleLine(string(line))
	}
	switch {
	case errors.Is(err, framer.ErrLineTooLong):
		s.errorf("overflow: %v", err)
		s.finish(ExitLineOverflow, true)
	case errors.Is(err, framer.ErrNoMemory):
		s.errorf("%v", err)
		s.finish(ExitNoMemory, true)
	case err != nil:
		s.errorf("read error: %v", err)
		s.finish(ExitInputFail, true)
	case eof:
		s.CloseInput()
	}
}

func (s *Session) handleLine(line string) {
	cmd, err := s.parser.Parse(line)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if cmd == nil {
		return
	}

	switch cmd.Kind {
	case command.Shell:
		s.shell(cmd.Shell)
	case command.Event:
		if err := s.disp.Emit(cmd); err != nil {
			s.errorf("%v", err)
		}
		if s.opts.Break {
			s.finish(ExitSuccess, true)
		}
	default:
		if s.gate.Admit(cmd) {
			s.submit(cmd)
		} else {
			s.log.Debug("call queued", "target", cmd.Target(), "queued", s.gate.Pending(), "ceiling", s.gate.Ceiling())
		}
	}
}

func (s *Session) submit(cmd *command.Command) {
	if s.done {
		return
	}
	s.started[cmd] = time.Now()
	token := s.disp.Submit(cmd)
	s.log.Debug("call sent", "token", token, "inflight", s.gate.InFlight())
	if s.opts.Break {
		s.finish(ExitSuccess, true)
	}
}

func (s *Session) completed(cmd *command.Command, r rpc.Reply) {
	elapsed := time.Since(s.started[cmd])
	delete(s.started, cmd)
	if s.done {
		return
	}

	var serr *dispatch.SubmitError
	if errors.As(r.Err, &serr) {
		s.errorf("%v", serr)
	} else {
		s.out.Enqueue(s.stdout, s.opts.Format.Reply(r))
	}
	if r.OK() {
		s.status = ExitSuccess
	} else {
		s.status = ExitError
	}
	s.log.Debug("call completed", "token", r.Token, "status", r.Status, "elapsed", elapsed)

	if s.opts.Journal != nil {
		status := r.Status
		if status == "" {
			status = rpc.StatusSuccess
		}
		if err := s.opts.Journal.Record(r.Token, cmd.Target(), status, r.Info, elapsed); err != nil {
			s.log.Warn("journal write failed", "err", err)
		}
	}

	if err := s.gate.Release(s.submit); err != nil {
		s.errorf("%v", err)
		s.finish(ExitInternal, false)
		return
	}
	s.checkExit()
}

func (s *Session) event(ev rpc.Event) {
	if s.done {
		return
	}
	s.out.Enqueue(s.stdout, s.opts.Format.Event(ev))
}

func (s *Session) inbound(c rpc.Call) {
	if s.done {
		return
	}
	s.log.Debug("call from server refused", "target", c.API+"/"+c.Verb)
	s.out.Enqueue(s.stdout, s.opts.Format.Call(c))
}

func (s *Session) hangup() {
	if s.done {
		return
	}
	s.out.Enqueue(s.stdout, render.Hangup())
	s.finish(ExitHangUp, true)
}

func (s *Session) setPaused(paused bool) {
	s.paused = paused
	if s.inputOpen && s.inputFD >= 0 && !s.done {
		if paused {
			s.rx.UnwatchRead(s.inputFD)
		} else {
			s.rx.WatchRead(s.inputFD, s.readable)
		}
	}
	if s.pauser != nil {
		s.pauser.SetPaused(paused)
	}
}

func (s *Session) checkExit() {
	if s.done || s.inputOpen || s.opts.KeepRunning {
		return
	}
	if s.gate.Idle() {
		s.finish(s.status, true)
	}
}

func (s *Session) finish(code int, flush bool) {
	if s.done {
		return
	}
	s.done = true
	s.exitCode = code
	s.flush = flush
	if s.inputFD >= 0 {
		s.rx.UnwatchRead(s.inputFD)
	}
	s.log.Debug("session ending", "code", code, "pending_output", s.out.Pending())
}

func (s *Session) errorf(format string, args ...any) {
	s.out.Enqueue(s.stderr, render.Line(fmt.Sprintf(format, args...)))
}
