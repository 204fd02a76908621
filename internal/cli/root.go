// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the callpipe command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/marcelocantos/callpipe/internal/config"
	"github.com/marcelocantos/callpipe/internal/session"
)

// IO is the process's standard streams.
type IO struct {
	In, Out, Err *os.File
}

// StdIO returns the real standard streams.
func StdIO() IO {
	return IO{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// exitCode carries a process exit status out of a cobra RunE.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// usageError reports a bad invocation; usage is printed with it.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// Main runs the command line and returns the process exit status.
func Main(ctx context.Context, args []string, version string, stdio IO) int {
	root := NewRootCommand(version, stdio)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	var code exitCode
	var usage usageError
	switch {
	case err == nil:
		return session.ExitSuccess
	case errors.As(err, &code):
		return int(code)
	case errors.As(err, &usage):
		fmt.Fprintf(stdio.Err, "callpipe: %v\n", usage.err)
		fmt.Fprint(stdio.Err, root.UsageString())
		return session.ExitBadArg
	default:
		fmt.Fprintf(stdio.Err, "callpipe: %v\n", err)
		return session.ExitError
	}
}

// NewRootCommand builds the command tree. The root command is the client.
func NewRootCommand(version string, stdio IO) *cobra.Command {
	f := &clientFlags{}
	root := &cobra.Command{
		Use:     "callpipe [flags] [uri [api verb [data]]]",
		Short:   "Send API calls read line by line to a remote service",
		Long:    longHelp,
		Example: examples,
		Version: version,
		Args:    cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, f, args, stdio)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdio.Out)
	root.SetErr(stdio.Err)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	f.register(root)

	root.PersistentFlags().String("config", "", "config file (default "+config.ConfigPath()+")")
	root.PersistentFlags().CountP("verbose", "v", "log more (repeat for debug)")

	root.AddCommand(
		newServeCommand(stdio),
		newJournalCommand(stdio),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(stdio.Out, "callpipe %s\n", version)
			},
		},
	)
	return root
}

// loadConfig reads --config, or the standard location.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(config.ExpandHome(path))
}

// logLevel combines -v with the configured level.
func logLevel(cmd *cobra.Command, cfg *config.Config) slog.Level {
	n, _ := cmd.Flags().GetCount("verbose")
	switch {
	case n >= 2:
		return slog.LevelDebug
	case n == 1:
		return min(slog.LevelInfo, cfg.LogLevel())
	default:
		return cfg.LogLevel()
	}
}

// switchWriter lets the log handler move from the raw stderr file to the
// session's output queue once the loop is running.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	return w.Write(p)
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}
