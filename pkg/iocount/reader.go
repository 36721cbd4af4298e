// Package iocount wraps readers and writers with atomic byte counters,
// used to track transfer progress across goroutines.
package iocount

import (
	"io"
	"sync/atomic"
)

// Reader counts bytes read through it
type Reader struct {
	count  atomic.Int64
	reader io.Reader
}

// NewReader wraps r with a byte counter
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: r}
}

// Count returns the total bytes read so far
func (r *Reader) Count() int64 {
	return r.count.Load()
}

// Read implements io.Reader
func (r *Reader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	r.count.Add(int64(n))
	return n, err
}

// Writer counts bytes written through it
type Writer struct {
	count  atomic.Int64
	writer io.Writer
}

// NewWriter wraps w with a byte counter
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// Count returns the total bytes written so far
func (w *Writer) Count() int64 {
	return w.count.Load()
}

// Write implements io.Writer
func (w *Writer) Write(b []byte) (int, error) {
	n, err := w.writer.Write(b)
	w.count.Add(int64(n))
	return n, err
}
