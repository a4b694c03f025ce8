// Package log is the structured logger used across the backend. It wraps a
// single zerolog logger and exposes printf-style and key-value helpers.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	// logTestWriterName selects logTestWriter as the output in Init.
	logTestWriterName = "log_test_writer"
)

var (
	log   zerolog.Logger
	level = LogLevelInfo

	// logTestWriter is the writer used when Init is called with logTestWriterName.
	logTestWriter io.Writer = io.Discard

	// panicOnInvalidChars makes any log line containing invalid UTF-8 panic.
	// Tests enable it to catch raw byte slices logged with %s.
	panicOnInvalidChars = os.Getenv("LOG_PANIC_ON_INVALIDCHARS") == "true"
)

func init() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = LogLevelError
	}
	Init(lvl, "stderr", nil)
}

// invalidCharChecker sits in front of the final writer and panics when a line
// carries the unicode replacement character or invalid UTF-8.
type invalidCharChecker struct {
	w io.Writer
}

func (c *invalidCharChecker) Write(p []byte) (int, error) {
	if panicOnInvalidChars {
		if !utf8.Valid(p) || bytes.ContainsRune(p, utf8.RuneError) || bytes.Contains(p, []byte(`\ufffd`)) {
			panic(fmt.Sprintf("log line with invalid chars: %q", p))
		}
	}
	return c.w.Write(p)
}

// errorLevelWriter forwards only warnings and above.
type errorLevelWriter struct {
	io.Writer
}

func (w *errorLevelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.WarnLevel {
		return len(p), nil
	}
	return w.Write(p)
}

// Init configures the global logger. Level is one of debug, info, warn or
// error. Output is stdout, stderr, a file path or logTestWriterName. If
// errorOutput is not nil, warnings and errors are also written to it.
func Init(logLevel, output string, errorOutput io.Writer) {
	var out io.Writer
	switch output {
	case "stdout":
		out = consoleWriter(os.Stdout)
	case "stderr":
		out = consoleWriter(os.Stderr)
	case logTestWriterName:
		out = logTestWriter
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			panic(fmt.Sprintf("cannot create log output: %v", err))
		}
		out = f
	}
	out = &invalidCharChecker{w: out}
	if errorOutput != nil {
		out = zerolog.MultiLevelWriter(out, &errorLevelWriter{errorOutput})
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}
	log = zerolog.New(out).With().Timestamp().Caller().Logger()

	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		panic(fmt.Sprintf("invalid log level: %q", logLevel))
	}
	log = log.Level(lvl)
	level = logLevel
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339Nano,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("%-5s", i))
		},
	}
}

// Level returns the current log level.
func Level() string {
	return level
}

// Logger returns the underlying zerolog logger.
func Logger() *zerolog.Logger {
	return &log
}

// Debug sends a debug level log message.
func Debug(args ...any) {
	if log.GetLevel() > zerolog.DebugLevel {
		return
	}
	log.Debug().CallerSkipFrame(1).Msg(fmt.Sprint(args...))
}

// Info sends an info level log message.
func Info(args ...any) {
	log.Info().CallerSkipFrame(1).Msg(fmt.Sprint(args...))
}

// Warn sends a warn level log message.
func Warn(args ...any) {
	log.Warn().CallerSkipFrame(1).Msg(fmt.Sprint(args...))
}

// Error sends an error level log message.
func Error(args ...any) {
	log.Error().CallerSkipFrame(1).Msg(fmt.Sprint(args...))
}

// Fatal sends a fatal level log message and exits the program.
func Fatal(args ...any) {
	log.Fatal().CallerSkipFrame(1).Msg(fmt.Sprint(args...) + "\n" + string(debug.Stack()))
}

// Debugf sends a formatted debug level log message.
func Debugf(template string, args ...any) {
	log.Debug().CallerSkipFrame(1).Msgf(template, args...)
}

// Infof sends a formatted info level log message.
func Infof(template string, args ...any) {
	log.Info().CallerSkipFrame(1).Msgf(template, args...)
}

// Warnf sends a formatted warn level log message.
func Warnf(template string, args ...any) {
	log.Warn().CallerSkipFrame(1).Msgf(template, args...)
}

// Errorf sends a formatted error level log message.
func Errorf(template string, args ...any) {
	log.Error().CallerSkipFrame(1).Msgf(template, args...)
}

// Fatalf sends a formatted fatal level log message and exits the program.
func Fatalf(template string, args ...any) {
	Fatal(fmt.Sprintf(template, args...))
}

// Debugw sends a debug level log message with key-value pairs.
func Debugw(msg string, keyvalues ...any) {
	log.Debug().CallerSkipFrame(1).Fields(keyvalues).Msg(msg)
}

// Infow sends an info level log message with key-value pairs.
func Infow(msg string, keyvalues ...any) {
	log.Info().CallerSkipFrame(1).Fields(keyvalues).Msg(msg)
}

// Warnw sends a warning level log message with key-value pairs.
func Warnw(msg string, keyvalues ...any) {
	log.Warn().CallerSkipFrame(1).Fields(keyvalues).Msg(msg)
}

// Errorw sends an error level log message with an error and key-value pairs.
func Errorw(err error, msg string, keyvalues ...any) {
	log.Error().CallerSkipFrame(1).Err(err).Fields(keyvalues).Msg(msg)
}
