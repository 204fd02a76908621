// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package framer splits a non-blocking byte stream into newline-terminated
// lines.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the size of the buffer used for each read.
const DefaultChunkSize = 16384

var (
	// ErrWouldBlock is returned by sources that have no data right now.
	ErrWouldBlock = errors.New("would block")

	// ErrLineTooLong reports a line longer than the configured maximum.
	ErrLineTooLong = errors.New("line too long")

	// ErrNoMemory reports that the line accumulator could not grow.
	ErrNoMemory = errors.New("out of memory")
)

// Framer reads lines from a source that returns ErrWouldBlock when empty
// and io.EOF at end of input.
type Framer struct {
	src     io.Reader
	chunk   []byte
	acc     bytes.Buffer
	maxLine int
	done    bool
}

// Option configures a Framer.
type Option func(*Framer)

// WithChunkSize sets the per-read buffer size.
func WithChunkSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.chunk = make([]byte, n)
		}
	}
}

// WithMaxLine rejects lines longer than n bytes. Zero means unbounded.
func WithMaxLine(n int) Option {
	return func(f *Framer) { f.maxLine = n }
}

// New creates a Framer reading from src.
func New(src io.Reader, opts ...Option) *Framer {
	f := &Framer{src: src}
	for _, opt := range opts {
		opt(f)
	}
	if f.chunk == nil {
		f.chunk = make([]byte, DefaultChunkSize)
	}
	return f
}

// Buffered returns the number of bytes held for an unterminated line.
func (f *Framer) Buffered() int {
	return f.acc.Len()
}

// Pull performs one read and returns the complete lines it produced, with
// newlines stripped. eof is true exactly once, on the call that observes
// the end of input; any unterminated remainder is returned as a final line
// on that call. Once eof has been reported Pull returns nothing.
func (f *Framer) Pull() (lines [][]byte, eof bool, err error) {
	if f.done {
		return nil, false, nil
	}

	var n int
	for {
		n, err = f.src.Read(f.chunk)
		if n > 0 || err == nil || !isInterrupted(err) {
			break
		}
	}

	if n > 0 {
		lines, err2 := f.split(f.chunk[:n])
		if err2 != nil {
			return lines, false, err2
		}
		if err == nil || errors.Is(err, ErrWouldBlock) {
			return lines, false, nil
		}
		return f.finish(lines, err)
	}

	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
		return nil, false, nil
	default:
		return f.finish(nil, err)
	}
}

func (f *Framer) finish(lines [][]byte, err error) ([][]byte, bool, error) {
	if !errors.Is(err, io.EOF) {
		return lines, false, fmt.Errorf("read: %w", err)
	}
	f.done = true
	if f.acc.Len() > 0 {
		lines = append(lines, f.take(nil))
	}
	return lines, true, nil
}

// split appends data to the accumulator and cuts every complete line.
func (f *Framer) split(data []byte) (lines [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == bytes.ErrTooLarge {
				err = ErrNoMemory
				return
			}
			panic(r)
		}
	}()

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if err := f.checkLength(len(data)); err != nil {
				return lines, err
			}
			f.acc.Write(data)
			return lines, nil
		}
		if err := f.checkLength(i); err != nil {
			return lines, err
		}
		lines = append(lines, f.take(data[:i]))
		data = data[i+1:]
	}
	return lines, nil
}

func (f *Framer) checkLength(extra int) error {
	if f.maxLine > 0 && f.acc.Len()+extra > f.maxLine {
		f.acc.Reset()
		return fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, f.maxLine)
	}
	return nil
}

// take returns the accumulated bytes followed by tail as a fresh slice and
// empties the accumulator.
func (f *Framer) take(tail []byte) []byte {
	line := make([]byte, f.acc.Len()+len(tail))
	copy(line, f.acc.Bytes())
	copy(line[f.acc.Len():], tail)
	f.acc.Reset()
	return line
}
