// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls Init.
type Options struct {
	Level   string // trace|debug|info|warn|error|fatal|panic|disabled
	File    string // optional, appended to
	Console bool   // human readable stderr output instead of JSON
}

// ParseLevel maps a level name to a zerolog level. Empty or unknown names
// are info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Init replaces the global logger. The returned func closes the log file.
func Init(opts Options) (func(), error) {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var out io.Writer = os.Stderr
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	writers := []io.Writer{out}

	var f *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}
	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	return func() {
		if f != nil {
			_ = f.Close()
		}
	}, nil
}
