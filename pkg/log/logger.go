// Structured logging for the MMU filament transport engine
//
// Every component logs through a named logger ("mmu.motion",
// "mmu.syncfb", ...) obtained from GetLogger. Loggers are lightweight
// handles over one shared output sink, so the level, format, and
// destination are controlled in one place: the package-wide level
// applies everywhere unless a logger carries its own override.
//
// Environment configuration:
//   - MMU_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - MMU_LOG_FORMAT: text, json
//   - MMU_LOG_CALLER: any non-empty value adds file:line
//   - NO_COLOR: any non-empty value disables colors
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel is the message severity.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a LogLevel. Unknown names fall back
// to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format selects the output rendering.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Fields are structured key/value pairs attached to a logger.
type Fields map[string]interface{}

// record is one message on its way to the sink.
type record struct {
	when      time.Time
	level     LogLevel
	component string
	msg       string
	fields    Fields
	caller    string
}

// sink is the shared output state behind every logger.
type sink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	color  bool
	caller bool
}

var levelColors = [...]string{"\x1b[36m", "\x1b[32m", "\x1b[33m", "\x1b[31m"}

const colorReset = "\x1b[0m"

func (s *sink) write(rec record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == FormatJSON {
		s.writeJSON(rec)
		return
	}

	var b strings.Builder
	b.WriteString(rec.when.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	if s.color {
		b.WriteString(levelColors[rec.level])
	}
	fmt.Fprintf(&b, "%-5s", rec.level)
	if s.color {
		b.WriteString(colorReset)
	}
	b.WriteString("] ")
	b.WriteString(rec.component)
	b.WriteString(": ")
	b.WriteString(rec.msg)
	if rec.caller != "" {
		b.WriteString(" (")
		b.WriteString(rec.caller)
		b.WriteString(")")
	}
	if len(rec.fields) > 0 {
		keys := make([]string, 0, len(rec.fields))
		for k := range rec.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, rec.fields[k])
		}
	}
	b.WriteString("\n")
	io.WriteString(s.w, b.String())
}

func (s *sink) writeJSON(rec record) {
	entry := struct {
		TS        string                 `json:"ts"`
		Level     string                 `json:"level"`
		Component string                 `json:"component"`
		Msg       string                 `json:"msg"`
		Caller    string                 `json:"caller,omitempty"`
		Fields    map[string]interface{} `json:"fields,omitempty"`
	}{
		TS:        rec.when.Format(time.RFC3339Nano),
		Level:     rec.level.String(),
		Component: rec.component,
		Msg:       rec.msg,
		Caller:    rec.caller,
		Fields:    rec.fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(s.w, `{"level":"ERROR","msg":"marshal log entry: %v"}`+"\n", err)
		return
	}
	s.w.Write(append(data, '\n'))
}

var (
	std = &sink{
		w:      os.Stderr,
		color:  os.Getenv("NO_COLOR") == "",
		caller: os.Getenv("MMU_LOG_CALLER") != "",
	}

	// sharedLevel is the package-wide threshold every logger without
	// an override uses.
	sharedLevel atomic.Int32

	regMu    sync.Mutex
	registry = map[string]*Logger{}
)

func init() {
	if v := os.Getenv("MMU_LOG_LEVEL"); v != "" {
		sharedLevel.Store(int32(ParseLevel(v)))
	} else {
		sharedLevel.Store(int32(INFO))
	}
	if strings.EqualFold(os.Getenv("MMU_LOG_FORMAT"), "json") {
		std.format = FormatJSON
	}
}

// SetLevel sets the package-wide level, the threshold for every logger
// without its own override.
func SetLevel(level LogLevel) {
	sharedLevel.Store(int32(level))
}

// Level returns the package-wide level.
func Level() LogLevel {
	return LogLevel(sharedLevel.Load())
}

// Logger is a named handle over the shared sink.
type Logger struct {
	component string
	fields    Fields
	sink      *sink

	// override is this logger's own level, or -1 to inherit the
	// package-wide one.
	override atomic.Int32
}

// GetLogger returns the logger registered under name, creating it on
// first use. Repeated calls with the same name share one handle.
func GetLogger(name string) *Logger {
	regMu.Lock()
	defer regMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := &Logger{component: name, sink: std}
	l.override.Store(-1)
	registry[name] = l
	return l
}

// SetLevel gives this logger its own level, detaching it from the
// package-wide one.
func (l *Logger) SetLevel(level LogLevel) {
	l.override.Store(int32(level))
}

// InheritLevel drops this logger's override.
func (l *Logger) InheritLevel() {
	l.override.Store(-1)
}

func (l *Logger) threshold() LogLevel {
	if v := l.override.Load(); v >= 0 {
		return LogLevel(v)
	}
	return LogLevel(sharedLevel.Load())
}

// SetWriter redirects the shared sink. All loggers are affected.
func (l *Logger) SetWriter(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.w = w
	l.sink.mu.Unlock()
}

// SetFormat switches the shared sink between text and JSON.
func (l *Logger) SetFormat(f Format) {
	l.sink.mu.Lock()
	l.sink.format = f
	l.sink.mu.Unlock()
}

// SetColor enables or disables ANSI colors on the shared sink.
func (l *Logger) SetColor(enable bool) {
	l.sink.mu.Lock()
	l.sink.color = enable
	l.sink.mu.Unlock()
}

// WithFields returns a derived handle carrying extra fields on every
// message. The derived handle shares the sink and level.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	d := &Logger{component: l.component, fields: merged, sink: l.sink}
	d.override.Store(l.override.Load())
	return d
}

func (l *Logger) emit(level LogLevel, msg string, args []interface{}) {
	if level < l.threshold() {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	rec := record{
		when:      time.Now(),
		level:     level,
		component: l.component,
		msg:       msg,
		fields:    l.fields,
	}
	l.sink.mu.Lock()
	withCaller := l.sink.caller
	l.sink.mu.Unlock()
	if withCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			rec.caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	l.sink.write(rec)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args) }

// Stepper logs a move trace at DEBUG level. The transport engine
// funnels every physical move description through here so motion can be
// replayed from the log.
func (l *Logger) Stepper(msg string, args ...interface{}) {
	l.emit(DEBUG, msg, args)
}
