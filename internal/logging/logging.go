// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides the leveled logger shared by the broker,
// client and worker sessions.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents different logging levels
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Per-logger levels do the filtering.
func init() {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

// Logger provides leveled logging on top of a zerolog.Logger.
type Logger struct {
	zl    zerolog.Logger
	level Level
}

// New creates a Logger writing JSON lines to w.
func New(w io.Writer, level Level) *Logger {
	zl := zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl, level: level}
}

// NewConsole creates a Logger writing human readable lines to stderr.
func NewConsole(level Level) *Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, level)
}

// With returns a child logger tagged with the given component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		zl:    l.zl.With().Str("component", component).Logger(),
		level: l.level,
	}
}

// Level returns the minimum level that is emitted.
func (l *Logger) Level() Level {
	return l.level
}

// IsEnabled checks if a log level is enabled
func (l *Logger) IsEnabled(level Level) bool {
	return level <= l.level
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Warn logs at warning level
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Trace logs at trace level (most verbose)
func (l *Logger) Trace(format string, args ...interface{}) {
	l.zl.Trace().Msgf(format, args...)
}

// Frames dumps a multipart message at trace level, one line per frame.
func (l *Logger) Frames(prefix string, frames [][]byte) {
	if !l.IsEnabled(LevelTrace) {
		return
	}
	for i, frame := range frames {
		if len(frame) > 0 {
			l.zl.Trace().Int("frame", i).Int("len", len(frame)).Msgf("%s %q", prefix, frame)
		} else {
			l.zl.Trace().Int("frame", i).Msgf("%s <empty>", prefix)
		}
	}
}

// Discard is a logger that drops all output.
var Discard = New(io.Discard, LevelError)
