// Package logging builds the process logger: logrus with optional rotated
// file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	Level string
	// File enables JSON output rotated by size, teed to the console.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// JSON forces the JSON formatter on the console as well.
	JSON bool
}

// DefaultOptions logs at info level to the console only.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a logger writing to console. The returned closer releases the
// log file, if any.
func New(opts Options, console io.Writer) (*logrus.Logger, io.Closer, error) {
	if console == nil {
		console = os.Stderr
	}
	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(opts.Level); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetOutput(console)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.File == "" {
		return log, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	log.SetOutput(io.MultiWriter(console, rotator))
	log.SetFormatter(&logrus.JSONFormatter{})
	return log, rotator, nil
}
