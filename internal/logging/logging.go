// Package logging provides the structured logger used across the client,
// backed by zerolog the way cyberinferno-go-utils/logger wraps it.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a single log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logging interface used throughout the client.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type zerologLogger struct {
	l zerolog.Logger
}

// New builds a console-friendly Logger writing to stderr at the given level.
func New(level zerolog.Level) Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return &zerologLogger{
		l: zerolog.New(w).With().Timestamp().Str("component", "nrgo-tun-client").Logger().Level(level),
	}
}

func (z *zerologLogger) event(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	e.Msg(msg)
}

func (z *zerologLogger) Debug(msg string, fields ...Field) { z.event(z.l.Debug(), msg, fields) }
func (z *zerologLogger) Info(msg string, fields ...Field)  { z.event(z.l.Info(), msg, fields) }
func (z *zerologLogger) Warn(msg string, fields ...Field)  { z.event(z.l.Warn(), msg, fields) }
func (z *zerologLogger) Error(msg string, fields ...Field) { z.event(z.l.Error(), msg, fields) }

func (z *zerologLogger) With(fields ...Field) Logger {
	ctx := z.l.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zerologLogger{l: ctx.Logger()}
}

// Nop returns a Logger that discards everything, useful in tests.
func Nop() Logger {
	return &zerologLogger{l: zerolog.Nop()}
}
