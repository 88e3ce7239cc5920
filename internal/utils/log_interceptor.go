// Package utils holds filesystem and logging helpers shared by the regionsync daemon and CLI.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxPartialLine caps how much of an unterminated line is held before it is flushed anyway.
const maxPartialLine = 1024 * 1024

// LogInterceptor is an io.Writer that prefixes every complete line with a
// sequence number and a timestamp before passing it to target. It sits in
// front of the rotating log file so lines can be ordered across rotations.
type LogInterceptor struct {
	target  io.Writer
	seq     atomic.Uint64
	mu      sync.Mutex
	partial bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeLine(line []byte) error {
	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	if _, err := io.WriteString(i.target, prefix); err != nil {
		return err
	}
	if _, err := i.target.Write(line); err != nil {
		return err
	}
	_, err := i.target.Write([]byte{'\n'})
	return err
}

// Write buffers p and emits every complete line. It always reports len(p) on
// success so callers such as slog handlers do not treat the prefix as a short write.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.partial.Write(p)
	for {
		data := i.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:idx], []byte{'\r'})
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
		i.partial.Next(idx + 1)
	}

	if i.partial.Len() > maxPartialLine {
		if err := i.writeLine(i.partial.Bytes()); err != nil {
			return 0, err
		}
		i.partial.Reset()
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line, if any.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.partial.Len() == 0 {
		return nil
	}
	err := i.writeLine(i.partial.Bytes())
	i.partial.Reset()
	return err
}
