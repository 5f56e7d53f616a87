// Package logger provides the process-wide leveled logger.
//
// Call sites use printf-style package functions (Debug, Info, Warn, Error).
// Output is rendered by logrus so the format (text or json) and destination
// (stdout, stderr or a file) can be selected from configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.RWMutex
	backend = newBackend()
	outFile *os.File
)

func newBackend() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	backend.SetLevel(parsed.logrus())
}

// Configure applies level, format and output in one call.
//
// Parameters:
//   - level: DEBUG, INFO, WARN or ERROR
//   - format: "text" or "json"
//   - output: "stdout", "stderr" or a file path (opened in append mode)
//
// Returns an error if the level or format is unknown or the file cannot be opened.
// On error the previous configuration stays in effect.
func Configure(level, format, output string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	var w io.Writer
	var file *os.File
	switch output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		file, err = os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		w = file
	}

	mu.Lock()
	defer mu.Unlock()

	backend.SetLevel(parsed.logrus())
	backend.SetFormatter(formatter)
	backend.SetOutput(w)

	if outFile != nil {
		_ = outFile.Close()
	}
	outFile = file

	return nil
}

// SetOutput redirects log output. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	backend.SetOutput(w)
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return backend.IsLevelEnabled(level.logrus())
}

func log(level Level, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if !backend.IsLevelEnabled(level.logrus()) {
		return
	}
	backend.Log(level.logrus(), fmt.Sprintf(format, v...))
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
