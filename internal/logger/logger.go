package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var base = newBase()

func newBase() *logrus.Logger {
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

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// map to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(level string) {
	base.SetLevel(ParseLevel(level).logrus())
}

// SetFormat selects "text" or "json" output.
func SetFormat(format string) {
	switch strings.ToLower(format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}

// SetOutput directs log output to "stdout", "stderr" or a file path
// (opened for append).
func SetOutput(output string) error {
	switch output {
	case "", "stdout":
		base.SetOutput(os.Stdout)
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log output %s: %w", output, err)
		}
		base.SetOutput(f)
	}
	return nil
}

// SetWriter is used by tests to capture output.
func SetWriter(w io.Writer) {
	base.SetOutput(w)
}

// Fields are structured key/value pairs attached to an Entry.
type Fields = logrus.Fields

// Entry is a logger carrying fields. It offers the same printf-style
// methods as the package-level functions.
type Entry struct {
	e *logrus.Entry
}

// With returns an Entry that attaches fields to every message.
func With(fields Fields) *Entry {
	return &Entry{e: base.WithFields(fields)}
}

func (e *Entry) With(fields Fields) *Entry {
	return &Entry{e: e.e.WithFields(fields)}
}

func (e *Entry) Debug(format string, v ...any) { e.e.Debugf(format, v...) }
func (e *Entry) Info(format string, v ...any)  { e.e.Infof(format, v...) }
func (e *Entry) Warn(format string, v ...any)  { e.e.Warnf(format, v...) }
func (e *Entry) Error(format string, v ...any) { e.e.Errorf(format, v...) }

// IsDebug reports whether debug messages are emitted. Callers use it to skip
// building expensive debug arguments.
func IsDebug() bool {
	return base.IsLevelEnabled(logrus.DebugLevel)
}

func Debug(format string, v ...any) {
	base.Debugf(format, v...)
}

func Info(format string, v ...any) {
	base.Infof(format, v...)
}

func Warn(format string, v ...any) {
	base.Warnf(format, v...)
}

func Error(format string, v ...any) {
	base.Errorf(format, v...)
}
