package utils

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LogWriter prefixes every complete line written to it with a sequence number
// and a timestamp before passing it on. Partial lines wait for their newline
// or for Close.
type LogWriter struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending bytes.Buffer
	now     func() time.Time
}

func NewLogWriter(target io.Writer) *LogWriter {
	return &LogWriter{target: target, now: time.Now}
}

func (w *LogWriter) writeLine(line []byte) error {
	w.seq++
	line = bytes.TrimSuffix(line, []byte("\r"))
	_, err := fmt.Fprintf(w.target, "line=%d time=%s %s\n", w.seq, w.now().Format(logTimeFormat), line)
	return err
}

// Write reports len(p) once every complete line in p has reached the target.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		idx := bytes.IndexByte(w.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := w.pending.Next(idx + 1)
		if err := w.writeLine(line[:idx]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending.Len() == 0 {
		return nil
	}
	line := w.pending.Bytes()
	defer w.pending.Reset()
	return w.writeLine(line)
}
