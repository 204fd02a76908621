// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidPath places the pid file beside the socket: server.sock → server.pid.
func pidPath(sockPath string) string {
	base := strings.TrimSuffix(filepath.Base(sockPath), filepath.Ext(sockPath))
	return filepath.Join(filepath.Dir(sockPath), base+".pid")
}

func writePidFile(sockPath string) error {
	return os.WriteFile(pidPath(sockPath), []byte(strconv.Itoa(os.Getpid())), 0600)
}

// cleanStaleSocket removes a socket file if no process is listening on it.
// Returns an error if a live server is detected.
func cleanStaleSocket(sockPath string) error {
	if _, err := os.Stat(sockPath); os.IsNotExist(err) {
		return nil
	}

	// A successful connect means a server is already running.
	conn, err := net.Dial("unix", sockPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("server already running (socket %s is active)", sockPath)
	}

	// Check PID file for extra safety.
	if data, err := os.ReadFile(pidPath(sockPath)); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid != os.Getpid() {
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("server already running (pid %d)", pid)
				}
			}
		}
	}

	// Stale socket.
	return os.Remove(sockPath)
}
