// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

func runShell(ctx context.Context, text string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// shell runs a local escape synchronously. Nothing is sent remotely and
// the gate is untouched.
func (s *Session) shell(text string) {
	if s.opts.NoShell {
		s.errorf("shell escapes are disabled: !%s", text)
		return
	}
	stdout, stderr, err := s.opts.Shell(s.ctx, text)
	s.out.Enqueue(s.stdout, stdout)
	s.out.Enqueue(s.stderr, stderr)

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		s.log.Debug("shell escape exited", "cmd", text, "code", exitErr.ExitCode())
	case err != nil:
		s.errorf("!%s: %v", text, err)
	}
}
