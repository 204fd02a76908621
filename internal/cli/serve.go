// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcelocantos/callpipe/internal/audit"
	"github.com/marcelocantos/callpipe/internal/config"
	"github.com/marcelocantos/callpipe/internal/daemon"
)

type serveFlags struct {
	socket  string
	scripts []string
	journal string
	idle    time.Duration
	list    bool
}

func newServeCommand(stdio IO) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loopback server",
		Long: `Run the loopback server that "local" connects to. It answers the
built-in hello api (ping, echo, fail, sleep, broadcast, hangup, invoke, verbs) and
every top-level function of each --script as a verb of an api named after
the file. Events sent by clients are relayed to every connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f, stdio)
		},
	}
	cmd.Flags().StringVar(&f.socket, "socket", "", "socket path (default per-user runtime dir)")
	cmd.Flags().StringArrayVar(&f.scripts, "script", nil, "Starlark file of extra verbs (repeatable)")
	cmd.Flags().StringVar(&f.journal, "journal", "", "record served calls in this journal")
	cmd.Flags().DurationVar(&f.idle, "idle-timeout", 0, "exit after this long without connections (default 5m)")
	cmd.Flags().BoolVar(&f.list, "list", false, "list apis and verbs, then exit")
	return cmd
}

func runServe(cmd *cobra.Command, f *serveFlags, stdio IO) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdio.Err, &slog.HandlerOptions{Level: logLevel(cmd, cfg)}))

	reg := daemon.NewRegistry()
	daemon.RegisterHello(reg)
	scripts := f.scripts
	if len(scripts) == 0 && cfg.Daemon.Script != "" {
		scripts = []string{cfg.Daemon.Script}
	}
	for _, path := range scripts {
		s, err := daemon.LoadScript(config.ExpandHome(path), logger)
		if err != nil {
			return err
		}
		s.Register(reg)
		logger.Info("script loaded", "api", s.API, "verbs", s.Verbs())
	}

	if f.list {
		RunVerbs(reg, stdio.Out)
		return nil
	}

	var journal *audit.Logger
	journalPath := firstNonEmpty(f.journal, cfg.Daemon.Journal)
	if journalPath != "" {
		journal, err = audit.NewLogger(config.ExpandHome(journalPath))
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		journal.SetOrigin("server")
	}

	rs, err := cfg.Daemon.RuleSet()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	idle := f.idle
	if idle <= 0 {
		idle = cfg.Daemon.IdleTimeoutDuration()
	}
	socket := config.ExpandHome(firstNonEmpty(f.socket, cfg.Daemon.Socket))
	srv := daemon.New(reg, journal, logger, idle)
	srv.SetRules(rs)
	return srv.Run(cmd.Context(), socket)
}

// RunVerbs lists the registered apis and their verbs.
func RunVerbs(reg *daemon.Registry, w io.Writer) {
	for _, api := range reg.APIs() {
		fmt.Fprintf(w, "%-12s %s\n", api, strings.Join(reg.Verbs(api), " "))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
