// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/marcelocantos/callpipe/internal/audit"
	"github.com/marcelocantos/callpipe/internal/client"
	"github.com/marcelocantos/callpipe/internal/command"
	"github.com/marcelocantos/callpipe/internal/config"
	"github.com/marcelocantos/callpipe/internal/linesource"
	"github.com/marcelocantos/callpipe/internal/loop"
	"github.com/marcelocantos/callpipe/internal/mcpbridge"
	"github.com/marcelocantos/callpipe/internal/output"
	"github.com/marcelocantos/callpipe/internal/render"
	"github.com/marcelocantos/callpipe/internal/rpc"
	"github.com/marcelocantos/callpipe/internal/session"
)

const (
	prompt        = "callpipe> "
	mcpKeepalive  = 10 * time.Second
	connectBudget = 10 * time.Second
)

type clientFlags struct {
	breakAfter  bool
	direct      bool
	echo        bool
	human       bool
	keepRunning bool
	pipe        int
	raw         bool
	sync        bool
	token       string
	uuid        string
	quiet       bool
	maxLine     int
	journal     string
	noShell     bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	// Everything after the uri belongs to the command, even if it starts
	// with a dash.
	fl.SetInterspersed(false)
	fl.BoolVarP(&f.breakAfter, "break", "b", false, "exit just after the first call or event is sent")
	fl.BoolVarP(&f.direct, "direct", "d", false, "direct api: lines are verb [data]")
	fl.BoolVarP(&f.echo, "echo", "e", false, "echo each call and event as it is sent")
	fl.BoolVarP(&f.human, "human", "H", false, "display human readable JSON")
	fl.BoolVarP(&f.keepRunning, "keep-running", "k", false, "keep running until hangup, even if input closed")
	fl.IntVarP(&f.pipe, "pipe", "p", 0, "allow COUNT calls in flight (default unlimited)")
	fl.BoolVarP(&f.raw, "raw", "r", false, "raw output (default)")
	fl.BoolVarP(&f.sync, "sync", "s", false, "wait for each reply (like -p 1)")
	fl.StringVarP(&f.token, "token", "t", "", "token to present")
	fl.StringVarP(&f.uuid, "uuid", "u", "", `session to join ("new" for a fresh one)`)
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress successful replies and echo")
	fl.IntVar(&f.maxLine, "max-line", 0, "reject input lines longer than this (0 = unlimited)")
	fl.StringVar(&f.journal, "journal", "", "append completed calls to this journal")
	fl.BoolVar(&f.noShell, "no-shell", false, "disable !command escapes")
}

// clientSettings is the merged result of config and flags.
type clientSettings struct {
	uri         string
	line        string // command given on the invocation, if any
	mode        command.Mode
	format      render.Format
	ceiling     int
	keepRunning bool
	breakAfter  bool
	echo        bool
	noShell     bool
	maxLine     int
	token       string
	session     string
	journal     string
}

// settings merges cfg under the flags and checks the positional
// arguments.
func (f *clientFlags) settings(cmd *cobra.Command, cfg *config.Config, args []string) (clientSettings, error) {
	s := clientSettings{
		format: render.Format{
			Raw:   f.raw || cfg.Raw,
			Human: f.human || cfg.Human,
			Quiet: f.quiet || cfg.Quiet,
		},
		ceiling:     cfg.Pipe,
		keepRunning: f.keepRunning || cfg.KeepRunning,
		breakAfter:  f.breakAfter,
		echo:        f.echo || cfg.Echo,
		noShell:     f.noShell || !cfg.ShellEnabled(),
		maxLine:     cfg.MaxLine,
		token:       firstNonEmpty(f.token, cfg.Token),
		journal:     config.ExpandHome(firstNonEmpty(f.journal, cfg.Journal.Path)),
	}
	if f.direct || cfg.Direct {
		s.mode = command.Direct
	}
	if cmd.Flags().Changed("pipe") {
		if f.pipe < 0 {
			return s, usageError{fmt.Errorf("--pipe must not be negative, got %d", f.pipe)}
		}
		s.ceiling = f.pipe
	}
	if f.sync {
		s.ceiling = 1
	}
	if cmd.Flags().Changed("max-line") {
		if f.maxLine < 0 {
			return s, usageError{fmt.Errorf("--max-line must not be negative")}
		}
		s.maxLine = f.maxLine
	}

	id, err := sessionID(firstNonEmpty(f.uuid, cfg.UUID))
	if err != nil {
		return s, err
	}
	s.session = id

	uri, line, err := invocation(args, s.mode)
	if err != nil {
		return s, err
	}
	s.uri = firstNonEmpty(uri, cfg.URI, "local")
	s.line = line
	return s, nil
}

// sessionID resolves --uuid. "new" asks for a random id; ids that parse
// as UUIDs are canonicalised and anything else is passed on as given.
func sessionID(v string) (string, error) {
	switch v {
	case "":
		return "", nil
	case "new":
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		return id.String(), nil
	}
	if id, err := uuid.Parse(v); err == nil {
		return id.String(), nil
	}
	return v, nil
}

// invocation splits the positional arguments into the uri and a command
// line to run once.
func invocation(args []string, mode command.Mode) (uri, line string, err error) {
	if len(args) == 0 {
		return "", "", nil
	}
	rest := args[1:]
	switch {
	case len(rest) == 0:
	case mode == command.Direct && len(rest) <= 2:
	case mode == command.Addressed && (len(rest) == 2 || len(rest) == 3):
	default:
		want := "api verb [data]"
		if mode == command.Direct {
			want = "verb [data]"
		}
		return "", "", usageError{fmt.Errorf("expected %s after the uri, got %d arguments", want, len(rest))}
	}
	return args[0], strings.Join(rest, " "), nil
}

func runClient(cmd *cobra.Command, f *clientFlags, args []string, stdio IO) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := f.settings(cmd, cfg, args)
	if err != nil {
		return err
	}

	logOut := &switchWriter{w: stdio.Err}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: logLevel(cmd, cfg)}))

	rx, err := loop.New()
	if err != nil {
		fmt.Fprintf(stdio.Err, "callpipe: %v\n", err)
		return exitCode(session.ExitInternal)
	}
	defer rx.Close()

	ctx := cmd.Context()
	ch, err := openChannel(ctx, s, rx, logger, cmd.Root().Version, logOut)
	var usage usageError
	if errors.As(err, &usage) {
		return err
	}
	if err != nil {
		fmt.Fprintf(stdio.Err, "callpipe: %v\n", err)
		return exitCode(session.ExitCantConnect)
	}
	defer ch.Close()

	opts := session.Options{
		Mode:        s.mode,
		Format:      s.format,
		Ceiling:     s.ceiling,
		KeepRunning: s.keepRunning,
		Break:       s.breakAfter,
		Echo:        s.echo,
		NoShell:     s.noShell,
		MaxLine:     s.maxLine,
		Stdout:      int(stdio.Out.Fd()),
		Stderr:      int(stdio.Err.Fd()),
		Logger:      logger,
	}
	if s.journal != "" {
		journal, err := audit.NewLogger(s.journal)
		if err != nil {
			fmt.Fprintf(stdio.Err, "callpipe: journal: %v\n", err)
			return exitCode(session.ExitBadArg)
		}
		journal.SetOrigin("client")
		opts.Journal = journal
	}

	inFD := int(stdio.In.Fd())
	var tty *linesource.Terminal
	if s.line == "" && linesource.IsTerminal(inFD) && linesource.IsTerminal(opts.Stdout) {
		tty, err = linesource.Open(stdio.In, stdio.Out, prompt, rx)
		if err != nil {
			fmt.Fprintf(stdio.Err, "callpipe: terminal: %v\n", err)
			return exitCode(session.ExitInputFail)
		}
		defer tty.Close()
		opts.WriteFunc = tty.WriteFunc(opts.Stdout, opts.Stderr)
	}

	sess := session.New(rx, ch, opts)
	logOut.Set(output.NewPostWriter(rx, sess.Output(), sess.Stderr()))
	defer logOut.Set(stdio.Err)

	// The output queues only work on descriptors that report EAGAIN. The
	// line editor writes through the terminal itself.
	if tty == nil {
		for _, fd := range []int{opts.Stdout, opts.Stderr} {
			restore, err := nonblocking(fd)
			if err != nil {
				logOut.Set(stdio.Err)
				fmt.Fprintf(stdio.Err, "callpipe: output: %v\n", err)
				return exitCode(session.ExitInternal)
			}
			defer restore()
		}
	}

	switch {
	case s.line != "":
		sess.Exec(s.line)
	case tty != nil:
		sess.ReadLines(tty)
		tty.Start(sess)
	default:
		restore, err := nonblocking(inFD)
		if err != nil {
			fmt.Fprintf(stdio.Err, "callpipe: stdin: %v\n", err)
			return exitCode(session.ExitInputFail)
		}
		defer restore()
		sess.ReadFD(inFD)
	}

	logger.Debug("session started", "uri", s.uri, "mode", s.mode, "ceiling", s.ceiling)
	return exitStatus(sess.Run(ctx))
}

// openChannel connects according to the uri scheme.
func openChannel(ctx context.Context, s clientSettings, rx *loop.Loop, logger *slog.Logger, version string, stderr io.Writer) (rpc.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, connectBudget)
	defer cancel()

	if name, args, ok := mcpbridge.ParseURI(s.uri); ok {
		b, err := mcpbridge.Spawn(ctx, name, args, rx, mcpbridge.Options{
			ClientName:    "callpipe",
			ClientVersion: version,
			Keepalive:     mcpKeepalive,
			Stderr:        stderr,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", s.uri, err)
		}
		return b, nil
	}
	if strings.HasPrefix(s.uri, mcpbridge.Scheme) {
		return nil, usageError{fmt.Errorf("uri %q: missing command", s.uri)}
	}

	target, err := client.ParseURI(s.uri)
	if err != nil {
		return nil, usageError{err}
	}
	if s.token != "" {
		target.Hello.Token = s.token
	}
	if s.session != "" {
		target.Hello.Session = s.session
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	conn, err := client.Dial(ctx, target, self)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("connection to %s timed out", target)
		}
		if target.Local() {
			return nil, fmt.Errorf("connection to %s failed: %w", target, err)
		}
		return nil, err
	}
	c, err := client.Open(conn, rx, target.Hello)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection to %s failed: %w", target, err)
	}
	logger.Debug("connected", "target", target.String(), "api", target.Hello.API)
	return c, nil
}

// nonblocking sets O_NONBLOCK on fd and returns a func restoring the
// previous mode.
func nonblocking(fd int) (func(), error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, err
	}
	if flags&unix.O_NONBLOCK != 0 {
		return func() {}, nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return func() { unix.SetNonblock(fd, false) }, nil
}
