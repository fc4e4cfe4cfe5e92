package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects log verbosity and output format.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json (aggregation) or pretty (local dev)
}

// NewLogger builds the process-wide structured logger. JSON output is the
// production default so log aggregation can index the fields; pretty
// console output is for local runs.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "chatgate").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// alive. Use as the first defer in every long-lived goroutine; a panic in
// one connection's pump must never take the gateway down.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
