// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package framer

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// FD adapts a non-blocking file descriptor to the Framer source contract.
type FD int

// Read performs a single read(2).
func (fd FD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(fd), p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
