// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/marcelocantos/callpipe/internal/audit"
)

func newJournalCommand(stdio IO) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect a call journal",
	}

	var n int
	tail := &cobra.Command{
		Use:   "tail [path]",
		Short: "Print the last entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(cmd, args)
			if err != nil {
				return err
			}
			return exitStatus(RunJournal(stdio.Out, path, "tail", n))
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")

	for _, sub := range []struct{ name, short string }{
		{"verify", "Check the journal's hash chain"},
		{"summary", "Count calls and failures per target"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   sub.name + " [path]",
			Short: sub.short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := journalPath(cmd, args)
				if err != nil {
					return err
				}
				return exitStatus(RunJournal(stdio.Out, path, sub.name, 0))
			},
		})
	}
	cmd.AddCommand(tail)
	return cmd
}

func journalPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Journal.Path == "" {
		return "", usageError{errors.New("no journal path given or configured")}
	}
	return cfg.Journal.Path, nil
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

// RunJournal handles the callpipe journal subcommands.
func RunJournal(w io.Writer, logPath, op string, n int) int {
	switch op {
	case "verify":
		if err := audit.Verify(logPath); err != nil {
			fmt.Fprintf(w, "journal verification FAILED: %v\n", err)
			return 1
		}
		fmt.Fprintln(w, "journal integrity verified")
		return 0

	case "tail":
		entries, err := audit.Tail(logPath, n)
		if err != nil {
			fmt.Fprintf(w, "callpipe journal: %v\n", err)
			return 1
		}
		if len(entries) == 0 {
			fmt.Fprintln(w, "no journal entries")
			return 0
		}
		for _, e := range entries {
			data, _ := json.MarshalIndent(e, "", "  ")
			fmt.Fprintf(w, "%s\n", data)
		}
		return 0

	case "summary":
		s, err := audit.Summarize(logPath)
		if err != nil {
			fmt.Fprintf(w, "callpipe journal: %v\n", err)
			return 1
		}
		fmt.Fprintf(w, "%d calls, %d failed\n", s.Entries, s.Failures)
		targets := make([]string, 0, len(s.ByTarget))
		for t := range s.ByTarget {
			targets = append(targets, t)
		}
		slices.Sort(targets)
		for _, t := range targets {
			fmt.Fprintf(w, "%8d  %s\n", s.ByTarget[t], t)
		}
		return 0

	default:
		fmt.Fprintf(w, "callpipe journal: unknown subcommand %q\n", op)
		return 1
	}
}
