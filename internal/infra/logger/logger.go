package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Format selects the log output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Logger implements waLog.Logger on top of zerolog so the same logger can be
// handed to whatsmeow and to the cache components.
type Logger struct {
	module string
	base   zerolog.Logger
	zl     zerolog.Logger
}

// New creates a Logger writing colored console output to stderr.
func New(module string, level string) *Logger {
	return NewWithWriter(os.Stderr, FormatConsole, module, level)
}

// NewWithWriter creates a Logger writing to w in the given format.
func NewWithWriter(w io.Writer, format Format, module string, level string) *Logger {
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	zl := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	return &Logger{
		module: module,
		base:   zl,
		zl:     withModule(zl, module),
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{base: zerolog.Nop(), zl: zerolog.Nop()}
}

// parseLevel converts string level to a zerolog level.
func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func withModule(zl zerolog.Logger, module string) zerolog.Logger {
	if module == "" {
		return zl
	}
	return zl.With().Str("module", module).Logger()
}

// Sub creates a sub-logger with a new module name.
func (l *Logger) Sub(module string) waLog.Logger {
	newModule := module
	if l.module != "" {
		newModule = l.module + "/" + module
	}
	return &Logger{
		module: newModule,
		base:   l.base,
		zl:     withModule(l.base, newModule),
	}
}

// Debugf logs a debug message.
func (l *Logger) Debugf(msg string, args ...interface{}) {
	l.zl.Debug().Msgf(msg, args...)
}

// Infof logs an info message.
func (l *Logger) Infof(msg string, args ...interface{}) {
	l.zl.Info().Msgf(msg, args...)
}

// Warnf logs a warning message.
func (l *Logger) Warnf(msg string, args ...interface{}) {
	l.zl.Warn().Msgf(msg, args...)
}

// Errorf logs an error message.
func (l *Logger) Errorf(msg string, args ...interface{}) {
	l.zl.Error().Msgf(msg, args...)
}

// Ensure Logger implements waLog.Logger.
var _ waLog.Logger = (*Logger)(nil)
