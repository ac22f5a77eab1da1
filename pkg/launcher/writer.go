package launcher

import (
	"bytes"
	"fmt"
	"io"
)

// prefixedWriter adds a prefix to each line written.
type prefixedWriter struct {
	prefix string
	writer io.Writer
	buf    []byte
}

func (w *prefixedWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	w.buf = append(w.buf, p...)

	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}

		line := w.buf[:idx+1]
		w.buf = w.buf[idx+1:]

		if _, err := fmt.Fprintf(w.writer, "%s%s", w.prefix, line); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Flush writes a trailing line that has no newline.
func (w *prefixedWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	_, err := fmt.Fprintf(w.writer, "%s%s\n", w.prefix, w.buf)
	w.buf = nil

	return err
}
