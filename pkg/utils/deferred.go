// Package utils holds small helpers shared by the CLI.
package utils

import (
	"bytes"
	"io"
	"sync"
)

// DeferredWriter buffers writes so log output produced while a full-screen
// program owns the terminal can be replayed after it exits.
type DeferredWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

// Write records a copy of p.
func (d *DeferredWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, bytes.Clone(p))
	return len(p), nil
}

// Flush replays the buffered writes to w in order and clears the buffer.
// Each write is replayed separately so line-oriented writers such as
// zerolog.ConsoleWriter see one event per call.
func (d *DeferredWriter) Flush(w io.Writer) error {
	d.mu.Lock()
	writes := d.writes
	d.writes = nil
	d.mu.Unlock()

	for _, p := range writes {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of buffered writes.
func (d *DeferredWriter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}
