// Package logger wraps zerolog behind a process-wide logger. Call sites use
// the package-level event constructors; code running on behalf of a dialog
// uses WithDialog so every line carries the dialog identifiers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects level, output format, and an optional log file.
type Config struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json
	File   string `json:"file" mapstructure:"file"`     // appended to when set
}

var (
	current atomic.Pointer[zerolog.Logger]
	logFile atomic.Pointer[os.File]
)

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	current.Store(&l)
}

// Init replaces the process logger. Safe to call more than once; the last
// call wins and an earlier log file is left to Close.
func Init(cfg Config) error {
	level := strings.ToLower(cfg.Level)
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		logFile.Store(f)
		out = io.MultiWriter(out, f)
	}

	l := zerolog.New(out).With().Timestamp().Caller().Logger()
	current.Store(&l)
	return nil
}

// Get returns the process logger.
func Get() *zerolog.Logger {
	return current.Load()
}

// WithDialog annotates the logger with the ids of the dialog being worked on.
func WithDialog(selfID, rootID string) *zerolog.Logger {
	l := Get().With().Str("self_id", selfID).Str("root_id", rootID).Logger()
	return &l
}

// Close releases the log file, if one was opened.
func Close() error {
	if f := logFile.Swap(nil); f != nil {
		return f.Close()
	}
	return nil
}

func Debug() *zerolog.Event { return Get().Debug() }
func Info() *zerolog.Event  { return Get().Info() }
func Warn() *zerolog.Event  { return Get().Warn() }
func Error() *zerolog.Event { return Get().Error() }
func Fatal() *zerolog.Event { return Get().Fatal() }
