// Package obslog configures the process-wide structured logger used
// by every component of the chain engine. It mirrors the teacher
// repo's pkg/log: a package-level zerolog.Logger plus With* helpers
// that attach a component field, generalized to this module's
// domain/image/volume/task identifiers instead of node/service/task.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once
// before use; until then it writes timestamped JSON lines to stderr,
// so tests that skip Init still produce output.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
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
		output = os.Stderr
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

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDomain creates a child logger tagged with a storage domain UUID.
func WithDomain(sdUUID string) zerolog.Logger {
	return Logger.With().Str("sd_uuid", sdUUID).Logger()
}

// WithImage creates a child logger tagged with an image UUID.
func WithImage(imgUUID string) zerolog.Logger {
	return Logger.With().Str("img_uuid", imgUUID).Logger()
}

// WithVolume creates a child logger tagged with a volume UUID.
func WithVolume(volUUID string) zerolog.Logger {
	return Logger.With().Str("vol_uuid", volUUID).Logger()
}

// WithTask creates a child logger tagged with a task id.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}
