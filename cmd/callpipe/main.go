// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcelocantos/callpipe/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Set up context with cancellation on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.Main(ctx, os.Args[1:], version, cli.StdIO())
}
