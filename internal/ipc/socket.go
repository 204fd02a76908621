// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the framed protocol spoken between callpipe and its
// loopback server, and where the server's socket lives.
package ipc

import (
	"os"
	"path/filepath"
)

// SocketDir returns the directory for the loopback server socket.
// Prefers $XDG_RUNTIME_DIR/callpipe/, falls back to ~/.local/share/callpipe/.
func SocketDir() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "callpipe"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "callpipe"), nil
}

// SocketPath returns the full path to the server socket file.
func SocketPath() (string, error) {
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "server.sock"), nil
}
