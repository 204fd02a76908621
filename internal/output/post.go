// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package output

// Poster runs functions on the loop goroutine.
type Poster interface {
	Post(fn func())
}

// PostWriter is an io.Writer for use off the loop goroutine. Each Write is
// copied and handed to the loop, which enqueues it on fd.
type PostWriter struct {
	poster Poster
	w      *Writer
	fd     int
}

// NewPostWriter returns a PostWriter feeding w's queue for fd.
func NewPostWriter(p Poster, w *Writer, fd int) *PostWriter {
	return &PostWriter{poster: p, w: w, fd: fd}
}

// Write never blocks on the descriptor.
func (pw *PostWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := append([]byte(nil), p...)
	pw.poster.Post(func() { pw.w.Enqueue(pw.fd, buf) })
	return len(p), nil
}

// FDWriter is an io.Writer bound to one descriptor of a Writer. It must
// only be used on the loop goroutine.
type FDWriter struct {
	w  *Writer
	fd int
}

// For returns an io.Writer that enqueues on fd.
func (w *Writer) For(fd int) *FDWriter {
	return &FDWriter{w: w, fd: fd}
}

func (f *FDWriter) Write(p []byte) (int, error) {
	if err := f.w.Err(); err != nil {
		return 0, err
	}
	f.w.Enqueue(f.fd, append([]byte(nil), p...))
	return len(p), nil
}
