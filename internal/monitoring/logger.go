package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | pretty
}

// NewLogger creates the process-wide structured logger. JSON output is
// the default; pretty console output is for development.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "chatcore").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and keeps the
// process alive. Use as the first defer of every long-lived goroutine.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
