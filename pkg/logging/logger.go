package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/fatih/color"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger callback.
type writer struct {
	callback func(string)
	buffer   []byte
}

func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	return len(buffer), nil
}

// Logger is the main logger type. It has the property that it still
// functions if nil (logging becomes a no-op), is safe for concurrent use,
// and filters output by Level. Unlike a bare *log.Logger, it carries its own
// output and level rather than relying on global state, so that tests can
// create independent loggers writing to independent buffers.
type Logger struct {
	mu     sync.Mutex
	output *log.Logger
	level  Level
	prefix string
}

// NewLogger creates a root logger that writes to writer, emitting messages
// up to and including level.
func NewLogger(level Level, writer io.Writer) *Logger {
	return &Logger{
		output: log.New(writer, "", log.LstdFlags),
		level:  level,
	}
}

// Sublogger creates a new sublogger with the specified name. If the parent
// is nil, the sublogger is nil too, preserving the "logging is a no-op"
// contract down the tree.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{
		output: l.output,
		level:  l.level,
		prefix: prefix,
	}
}

func (l *Logger) log(level Level, line string) {
	if l == nil || level > l.level || l.level == LevelDisabled {
		return
	}
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Output(4, line)
}

// Errorf logs a formatted message at LevelError.
func (l *Logger) Errorf(format string, v ...any) {
	l.log(LevelError, color.RedString(format, v...))
}

// Warnf logs a formatted message at LevelWarn.
func (l *Logger) Warnf(format string, v ...any) {
	l.log(LevelWarn, color.YellowString(format, v...))
}

// Infof logs a formatted message at LevelInfo.
func (l *Logger) Infof(format string, v ...any) {
	l.log(LevelInfo, fmt.Sprintf(format, v...))
}

// Debugf logs a formatted message at LevelDebug.
func (l *Logger) Debugf(format string, v ...any) {
	l.log(LevelDebug, fmt.Sprintf(format, v...))
}

// Tracef logs a formatted message at LevelTrace.
func (l *Logger) Tracef(format string, v ...any) {
	l.log(LevelTrace, fmt.Sprintf(format, v...))
}

// Warn logs error information with a warning prefix.
func (l *Logger) Warn(err error) {
	l.Warnf("Warning: %v", err)
}

// Error logs error information with an error prefix.
func (l *Logger) Error(err error) {
	l.Errorf("Error: %v", err)
}

// Writer returns an io.Writer that writes lines at LevelInfo.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: func(s string) { l.Infof("%s", s) }}
}

// DebugWriter returns an io.Writer that writes lines at LevelDebug.
func (l *Logger) DebugWriter() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: func(s string) { l.Debugf("%s", s) }}
}
