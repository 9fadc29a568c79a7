// Package logging builds the agent's *log.Logger.
//
// Components take a *log.Logger in their Config and tag their own lines with
// a bracketed prefix via Named. The process logger writes to stderr, or to a
// size-rotated file when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is the log file path. Empty means stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB is the size a log file reaches before it is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the process logger and a closer for its output.
// The closer must be called on shutdown when a file is configured.
func New(cfg Config) (*log.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(os.Stderr, "", log.LstdFlags), nopCloser{}
	}

	out := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return log.New(out, "", log.LstdFlags), out
}

// Named returns a logger writing to the same output as parent with a
// "[name] " prefix. A nil parent logs to stderr.
func Named(parent *log.Logger, name string) *log.Logger {
	if parent == nil {
		return log.New(os.Stderr, "["+name+"] ", log.LstdFlags)
	}
	return log.New(parent.Writer(), "["+name+"] ", parent.Flags())
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
