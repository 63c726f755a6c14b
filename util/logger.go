package util

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	currentLevel atomic.Int32
	logger       atomic.Pointer[zerolog.Logger]
)

func init() {
	currentLevel.Store(int32(LogLevelInfo))
	SetOutput(os.Stderr)
}

// SetOutput redirects log output. A console writer is used for terminals and
// files alike so lines stay greppable.
func SetOutput(w io.Writer) {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05.000Z07:00", NoColor: true}
	l := zerolog.New(cw).With().Timestamp().Logger()
	logger.Store(&l)
}

// Logger returns the underlying zerolog logger for callers that want fields.
func Logger() *zerolog.Logger {
	return logger.Load()
}

func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

func CurrentLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func enabled(level LogLevel) bool {
	return CurrentLevel() <= level
}

func Debug(format string, v ...interface{}) {
	if enabled(LogLevelDebug) {
		Logger().Debug().Msg(fmt.Sprintf(format, v...))
	}
}

func Info(format string, v ...interface{}) {
	if enabled(LogLevelInfo) {
		Logger().Info().Msg(fmt.Sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	if enabled(LogLevelWarn) {
		Logger().Warn().Msg(fmt.Sprintf(format, v...))
	}
}

func Error(format string, v ...interface{}) {
	if enabled(LogLevelError) {
		Logger().Error().Msg(fmt.Sprintf(format, v...))
	}
}

// ErrorErr logs msg with err attached as a structured field.
func ErrorErr(err error, format string, v ...interface{}) {
	if enabled(LogLevelError) {
		Logger().Error().Err(err).Msg(fmt.Sprintf(format, v...))
	}
}

func Fatal(format string, v ...interface{}) {
	Logger().WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, v...))
	os.Exit(1)
}
