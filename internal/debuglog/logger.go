// Package debuglog provides the logging backend, based around go-logging.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend shared by every component logger.
type Backend struct {
	w       io.Writer
	backend logging.LeveledBackend
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// New initializes a backend writing to f, or stdout when f is empty.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case f == "":
		w = os.Stdout
	default:
		const fileMode = 0600
		w, err = os.OpenFile(f, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, fmt.Errorf("debuglog: failed to create log file: %v", err)
		}
	}
	return NewWriter(w, lvl), nil
}

// NewWriter builds a backend on an arbitrary writer.
func NewWriter(w io.Writer, lvl logging.Level) *Backend {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b := &Backend{w: w, backend: logging.AddModuleLevel(formatted)}
	b.backend.SetLevel(lvl, "")
	return b
}

// Discard returns a backend that drops everything, for tests.
func Discard() *Backend {
	return NewWriter(io.Discard, logging.CRITICAL)
}

// Close closes the underlying log file, if any.
func (b *Backend) Close() error {
	if c, ok := b.w.(*os.File); ok && c != os.Stdout && c != os.Stderr {
		return c.Close()
	}
	return nil
}

func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE", "":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("debuglog: invalid level: '%v'", l)
	}
}
