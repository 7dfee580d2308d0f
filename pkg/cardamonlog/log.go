// Package cardamonlog is the process-wide zerolog wrapper used by every
// component: planner, sampler, recorder, drivers, and the CLI.
package cardamonlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once by the CLI
// entrypoint before any component logs.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, set from CLI flags.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global Logger from cfg. Called once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithRunID creates a child logger scoped to a run.
func WithRunID(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// WithScenario creates a child logger scoped to a scenario name.
func WithScenario(scenario string) zerolog.Logger {
	return Logger.With().Str("scenario", scenario).Logger()
}

// WithComponent creates a child logger scoped to a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
