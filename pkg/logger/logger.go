// Package logger defines the logging contract used across the module and a
// zerolog-backed implementation of it.
package logger

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Logger is the leveled logging interface threaded through the core. Args
// are alternating key/value pairs attached as structured fields.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ZeroLogger adapts a zerolog.Logger to the Logger interface.
type ZeroLogger struct {
	logger zerolog.Logger
}

// New builds a ZeroLogger writing JSON lines to w.
func New(w io.Writer) *ZeroLogger {
	return &ZeroLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// FromZerolog wraps an existing zerolog.Logger.
func FromZerolog(l zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{logger: l}
}

func (z *ZeroLogger) Debug(msg string, args ...any) {
	withFields(z.logger.Debug(), args).Msg(msg)
}

func (z *ZeroLogger) Info(msg string, args ...any) {
	withFields(z.logger.Info(), args).Msg(msg)
}

func (z *ZeroLogger) Warn(msg string, args ...any) {
	withFields(z.logger.Warn(), args).Msg(msg)
}

func (z *ZeroLogger) Error(msg string, args ...any) {
	withFields(z.logger.Error(), args).Msg(msg)
}

func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}

// Nop discards everything. Useful as a default when callers pass no logger.
func Nop() *ZeroLogger {
	return &ZeroLogger{logger: zerolog.Nop()}
}
