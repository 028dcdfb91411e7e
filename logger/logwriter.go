package logger

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"sync"
)

// LogBufferWriter is an io.Writer that writes to the log buffer.
// It extracts the level and source from lines of the form "[LEVEL] [source] message".
type LogBufferWriter struct {
	buffer *LogBuffer
	buf    bytes.Buffer
	mu     sync.Mutex
}

var lineRegex = regexp.MustCompile(`^(?:\[(DEBUG|INFO|ERROR)\]\s*)?(?:\[([^\]]+)\]\s*)?(.*)$`)

// NewLogBufferWriter creates a new writer that writes to the log buffer
func NewLogBufferWriter(buffer *LogBuffer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer: buffer,
	}
}

// Write implements io.Writer
func (lw *LogBufferWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	// Buffer until we get a newline
	lw.buf.Write(p)

	for {
		line, err := lw.buf.ReadString('\n')
		if err == io.EOF {
			// keep the partial line for the next write
			lw.buf.WriteString(line)
			break
		}
		if err != nil {
			return len(p), err
		}

		line = strings.TrimSuffix(line, "\n")
		if len(line) == 0 {
			continue
		}

		level, source, message := "INFO", "system", line
		if matches := lineRegex.FindStringSubmatch(line); len(matches) == 4 {
			if matches[1] != "" {
				level = matches[1]
			}
			if matches[2] != "" {
				source = matches[2]
			}
			message = matches[3]
		}

		lw.buffer.Add(level, source, message)
	}

	return len(p), nil
}
