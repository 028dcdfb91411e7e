// Package logger provides a configurable logger that can write to multiple outputs.
// Init must be called early in the application lifecycle before using other logger functions.
// Functions like AddOutput and SetEnabled will return errors if called before Init.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level orders log severities
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

// Logger is a configurable logger that can write to multiple outputs
type Logger struct {
	mu      sync.Mutex
	outputs []io.Writer
	prefix  string
	enabled bool
	level   Level
}

var (
	globalLogger *Logger
	once         sync.Once
	globalBuffer *LogBuffer
	bufferOnce   sync.Once

	// level used before Init; debug output stays quiet by default
	fallbackLevel = LevelInfo
)

// GetGlobalLogBuffer returns the global log buffer
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000) // Keep last 1000 log entries
	})
	return globalBuffer
}

// Init initializes the global logger
func Init(prefix string, writeToStdout bool) {
	once.Do(func() {
		outputs := []io.Writer{}
		if writeToStdout {
			outputs = append(outputs, os.Stdout)
		}
		globalLogger = &Logger{
			outputs: outputs,
			prefix:  prefix,
			enabled: true,
			level:   LevelInfo,
		}
	})
}

// AddOutput adds an additional output writer (e.g., for TUI log buffer).
// Returns an error if called before Init.
func AddOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.outputs = append(globalLogger.outputs, w)
	return nil
}

// RemoveOutput removes an output writer.
// Returns an error if called before Init.
func RemoveOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	newOutputs := []io.Writer{}
	for _, output := range globalLogger.outputs {
		if output != w {
			newOutputs = append(newOutputs, output)
		}
	}
	globalLogger.outputs = newOutputs
	return nil
}

// SetEnabled enables or disables logging.
// Returns an error if called before Init.
func SetEnabled(enabled bool) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.enabled = enabled
	return nil
}

// SetLevel sets the minimum level written. It may be called before Init.
func SetLevel(level Level) {
	if globalLogger == nil {
		fallbackLevel = level
		return
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.level = level
}

// ParseLevel maps "debug", "info" and "error" to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func logAt(level Level, format string, v ...interface{}) {
	if globalLogger == nil {
		if level < fallbackLevel {
			return
		}
		// Fallback to standard log if not initialized
		log.Printf(format, v...)
		return
	}

	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	if !globalLogger.enabled || level < globalLogger.level {
		return
	}

	msg := fmt.Sprintf(format, v...)
	// Remove trailing newline if present (we'll add it back)
	msg = strings.TrimSuffix(msg, "\n")

	// Add prefix if specified
	if globalLogger.prefix != "" {
		msg = fmt.Sprintf("[%s] %s", globalLogger.prefix, msg)
	}

	// Write to all outputs
	if len(globalLogger.outputs) > 0 {
		msgWithNewline := msg + "\n"
		for _, output := range globalLogger.outputs {
			output.Write([]byte(msgWithNewline))
		}
	}
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	logAt(LevelInfo, format, v...)
}

// Print logs a message
func Print(v ...interface{}) {
	Printf("%s", fmt.Sprint(v...))
}

// Println logs a message with newline
func Println(v ...interface{}) {
	Printf("%s", fmt.Sprintln(v...))
}

// Debugf logs a debug-level formatted message
func Debugf(format string, v ...interface{}) {
	logAt(LevelDebug, "[DEBUG] "+format, v...)
}

// Infof logs an info-level formatted message
func Infof(format string, v ...interface{}) {
	logAt(LevelInfo, "[INFO] "+format, v...)
}

// Info logs an info-level message
func Info(v ...interface{}) {
	Infof("%s", fmt.Sprint(v...))
}

// Errorf logs an error-level formatted message
func Errorf(format string, v ...interface{}) {
	logAt(LevelError, "[ERROR] "+format, v...)
}

// Error logs an error-level message
func Error(v ...interface{}) {
	Errorf("%s", fmt.Sprint(v...))
}

// GetGlobalLogger returns the global logger instance (for testing/debugging)
func GetGlobalLogger() *Logger {
	return globalLogger
}

// Prefixed logs every line with a "[source]" prefix, the form LogBufferWriter
// uses to attribute lines in the log buffer.
type Prefixed struct {
	source string
}

// WithSource returns a logger tagging lines with source
func WithSource(format string, args ...interface{}) Prefixed {
	return Prefixed{source: fmt.Sprintf(format, args...)}
}

func (p Prefixed) Debugf(format string, v ...interface{}) {
	Debugf("[%s] %s", p.source, fmt.Sprintf(format, v...))
}

func (p Prefixed) Infof(format string, v ...interface{}) {
	Infof("[%s] %s", p.source, fmt.Sprintf(format, v...))
}

func (p Prefixed) Errorf(format string, v ...interface{}) {
	Errorf("[%s] %s", p.source, fmt.Sprintf(format, v...))
}
