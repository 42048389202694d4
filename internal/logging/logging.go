// Package logging provides the zerolog-backed structured logger shared by
// every component. Nothing in this codebase logs through fmt.Printf or the
// stdlib log package.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/config"
)

// Logger wraps zerolog.Logger with the component/trader/symbol/interval
// scoping vocabulary the rest of the engine chains off of.
type Logger struct {
	z zerolog.Logger
}

// New builds the root logger from the ambient logging configuration.
func New(cfg config.LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	z := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Component scopes the logger to a named component (e.g. "kline_cache",
// "stream_client", "dispatcher").
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

// Trader scopes the logger to a trader id.
func (l *Logger) Trader(id string) *Logger {
	return &Logger{z: l.z.With().Str("trader_id", id).Logger()}
}

// Symbol scopes the logger to a symbol.
func (l *Logger) Symbol(symbol string) *Logger {
	return &Logger{z: l.z.With().Str("symbol", symbol).Logger()}
}

// Interval scopes the logger to an interval.
func (l *Logger) Interval(interval string) *Logger {
	return &Logger{z: l.z.With().Str("interval", interval).Logger()}
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.z.Info() }

// Warn starts a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.z.Warn() }

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// Fatal starts a fatal-level event; zerolog calls os.Exit(1) once it is fired.
func (l *Logger) Fatal() *zerolog.Event { return l.z.Fatal() }

// Raw exposes the underlying zerolog.Logger for collaborators that need to
// pass a plain zerolog.Logger into a third-party constructor.
func (l *Logger) Raw() zerolog.Logger { return l.z }
