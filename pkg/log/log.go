package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/orchestrator/pkg/events"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with node_id field
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithVMID creates a child logger with vm_id field
func WithVMID(vmID string) zerolog.Logger {
	return Logger.With().Str("vm_id", vmID).Logger()
}

// WithCommandID creates a child logger with command_id field
func WithCommandID(commandID string) zerolog.Logger {
	return Logger.With().Str("command_id", commandID).Logger()
}

// EventLevel returns the *zerolog.Event at the level matching sev. Every
// background loop and the lifecycle manager append an events.Event
// alongside a log line for the same occurrence; this is the one place
// that maps events.Severity to a log level instead of each call site
// switching on VM status or event kind by hand.
func EventLevel(l zerolog.Logger, sev events.Severity) *zerolog.Event {
	switch sev {
	case events.SeverityError:
		return l.Error()
	case events.SeverityWarn:
		return l.Warn()
	default:
		return l.Info()
	}
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
