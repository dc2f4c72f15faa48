package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"

	"github.com/cozy-labs/synccore/pkg/buildinfo"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end of
// a byte slice.
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

// Field is a structured key/value pair attached to a log line. Sync
// core logs routinely carry a path, a side, or a document id alongside
// a message, so fields are rendered as "key=value" suffixes rather than
// interpolated by the caller every time.
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience constructor for Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

func renderFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%v", f.Key, f.Value)
	}
	return " " + strings.Join(parts, " ")
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It is designed to use the
// standard logger provided by the log package, so it respects any flags set
// for that logger. It is safe for concurrent usage.
//
// Every line is additionally gated by level: a Logger only emits a line at
// or below its configured severity (LevelError is the most severe, so a
// Logger at LevelError drops Warn/Print/Debug but still emits Error).
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
	// fields are structured fields attached to every line from this logger.
	fields []Field
	// level is the minimum severity this logger emits.
	level Level
}

// RootLogger is the root logger from which all other loggers derive. It
// defaults to LevelInfo; a caller can narrow or widen it with SetLevel
// before deriving subloggers, since Sublogger and With copy the level of
// the logger they're called on.
var RootLogger = &Logger{level: LevelInfo}

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, fields: l.fields, level: l.level}
}

// With returns a sublogger that carries the given fields on every line, in
// addition to any fields already carried by the receiver.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return nil
	}
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &Logger{prefix: l.prefix, fields: combined, level: l.level}
}

// Level reports l's configured severity. A nil Logger reports
// LevelDisabled, consistent with it never emitting anything.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelDisabled
	}
	return l.level
}

// SetLevel changes the minimum severity l emits. It affects only l itself,
// not subloggers already derived from it.
func (l *Logger) SetLevel(level Level) {
	if l != nil {
		l.level = level
	}
}

// enabled reports whether l should emit a line at level.
func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level >= level
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	line += renderFields(l.fields)
	log.Output(calldepth, line)
}

// Print logs information with semantics equivalent to fmt.Print, gated at
// LevelInfo.
func (l *Logger) Print(v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Printf logs information with semantics equivalent to fmt.Printf, gated at
// LevelInfo.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Println logs information with semantics equivalent to fmt.Println, gated
// at LevelInfo.
func (l *Logger) Println(v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Writer returns an io.Writer that writes lines using Println.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: func(s string) { l.Println(s) }}
}

// Debug logs information with semantics equivalent to fmt.Print, but only if
// debugging is enabled (a debug build) or l's level has been raised to
// LevelDebug or above (otherwise it's a no-op).
func (l *Logger) Debug(v ...interface{}) {
	if l.debugEnabled() {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs information with semantics equivalent to fmt.Printf, but only
// if debugging is enabled (a debug build) or l's level has been raised to
// LevelDebug or above (otherwise it's a no-op).
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.debugEnabled() {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debugln logs information with semantics equivalent to fmt.Println, but
// only if debugging is enabled (a debug build) or l's level has been raised
// to LevelDebug or above (otherwise it's a no-op).
func (l *Logger) Debugln(v ...interface{}) {
	if l.debugEnabled() {
		l.output(3, fmt.Sprintln(v...))
	}
}

func (l *Logger) debugEnabled() bool {
	return l != nil && (buildinfo.DebugEnabled || l.level >= LevelDebug)
}

// DebugWriter returns an io.Writer that writes lines using Debugln.
func (l *Logger) DebugWriter() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: func(s string) { l.Debugln(s) }}
}

// Warn logs error information with a warning prefix and yellow color, gated
// at LevelWarn.
func (l *Logger) Warn(err error) {
	if l.enabled(LevelWarn) {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Error logs error information with an error prefix and red color, gated at
// LevelError.
func (l *Logger) Error(err error) {
	if l.enabled(LevelError) {
		l.output(3, color.RedString("Error: %v", err))
	}
}
