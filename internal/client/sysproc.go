// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr detaches the spawned server from our session so it
// outlives the client and ignores its terminal signals.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
