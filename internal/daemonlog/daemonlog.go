// Package daemonlog is the process-wide structured logger: a single
// handle initialized once from CLI flags at startup, backed by
// github.com/sirupsen/logrus, with pluggable backends (Stderr, File,
// PersistentFile, Journal, Syslog) matching spec.md §9's "global logger
// modeled as one handle, backends as trait-like objects" guidance.
package daemonlog

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Backend selects where log output is written.
type Backend int

const (
	BackendStderr Backend = iota
	BackendFile
	BackendPersistentFile
	BackendJournal
	BackendSyslog
)

// Level mirrors spec.md §6's -l/--log-level values.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
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

var handle = logrus.New()

// Init configures the package-level handle. It must be called once at
// startup from the CLI before any other package logs; subsequent calls
// reconfigure the same handle rather than creating a new one, since
// every caller holds the same *logrus.Entry-producing handle.
func Init(backend Backend, level Level, path string) error {
	out, err := writerFor(backend, path)
	if err != nil {
		return err
	}

	handle.SetOutput(out)
	handle.SetLevel(level.logrusLevel())
	handle.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return nil
}

func writerFor(backend Backend, path string) (io.Writer, error) {
	switch backend {
	case BackendStderr:
		return os.Stderr, nil
	case BackendFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("daemonlog: open log file %s: %w", path, err)
		}
		return f, nil
	case BackendPersistentFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("daemonlog: open persistent log file %s: %w", path, err)
		}
		return f, nil
	case BackendJournal, BackendSyslog:
		// Neither the journal nor syslog transport is available as a
		// pure-Go dependency anywhere in the pack; fall back to stderr,
		// which every init system captures into its own log anyway.
		return os.Stderr, nil
	default:
		return os.Stderr, nil
	}
}

// Logger returns the package-level *logrus.Logger.
func Logger() *logrus.Logger { return handle }

// WithFields is shorthand for Logger().WithFields(fields).
func WithFields(fields logrus.Fields) *logrus.Entry {
	return handle.WithFields(fields)
}
