package runner

import (
	"bytes"
	"io"
	"sync"
)

// prefixedWriter mirrors sampler output to another writer, tagging every
// complete line with a prefix. A trailing partial line is held until the
// next newline or Flush.
type prefixedWriter struct {
	mu      sync.Mutex
	prefix  string
	writer  io.Writer
	pending []byte
}

func (w *prefixedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)

	for {
		line, rest, found := bytes.Cut(w.pending, []byte{'\n'})
		if !found {
			break
		}

		if err := w.emit(line); err != nil {
			return len(p), err
		}

		w.pending = rest
	}

	return len(p), nil
}

// Flush writes any held partial line followed by a newline.
func (w *prefixedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}

	err := w.emit(w.pending)
	w.pending = nil

	return err
}

func (w *prefixedWriter) emit(line []byte) error {
	out := make([]byte, 0, len(w.prefix)+len(line)+1)
	out = append(out, w.prefix...)
	out = append(out, line...)
	out = append(out, '\n')

	_, err := w.writer.Write(out)

	return err
}
