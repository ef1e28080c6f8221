// Package logging builds the zap loggers shared by the command line tools.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encoder names accepted by the --log_format flag.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Levels lists the verbosity names accepted by --verbose, from chattiest
// to quietest.
var Levels = []string{"debug", "info", "warning", "error", "critical"}

// Formats lists the encoder names accepted by --log_format.
var Formats = []string{FormatConsole, FormatJSON}

// ParseLevel maps a verbosity name onto a zap level. "critical" has no zap
// counterpart and maps to the fatal level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical":
		return zapcore.FatalLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid verbosity %q (choose from %s)", name, strings.Join(Levels, ", "))
}

// New builds the process logger. Both encoders write to stderr so stdout
// stays clean for shell pipelines.
func New(level zapcore.Level, format string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.DisableStacktrace = true
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	switch format {
	case FormatJSON:
	case FormatConsole:
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (choose from %s)", format, strings.Join(Formats, ", "))
	}
	return config.Build()
}
