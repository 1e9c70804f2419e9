// Package logging configures structured, per-component logging for the
// messaging daemon on top of charmbracelet/log.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Config controls how a Logger renders its output.
type Config struct {
	Level      string
	TimeFormat string
	// JSON switches the root logger to charmbracelet/log's JSON
	// formatter, for daemons running under a log collector that
	// expects structured lines rather than the default TTY format.
	JSON   bool
	Output io.Writer
}

func (c *Config) withDefaults() *Config {
	cfg := Config{Level: "info", TimeFormat: time.TimeOnly, Output: os.Stderr}
	if c != nil {
		if c.Level != "" {
			cfg.Level = c.Level
		}
		if c.TimeFormat != "" {
			cfg.TimeFormat = c.TimeFormat
		}
		if c.Output != nil {
			cfg.Output = c.Output
		}
		cfg.JSON = c.JSON
	}
	return &cfg
}

// Logger wraps a charmbracelet/log.Logger and memoizes the per-component
// child loggers handed out by Component, so two call sites asking for
// the same component name (e.g. "forwarder") share one underlying
// logger and its level instead of constructing a fresh one each time.
type Logger struct {
	*log.Logger

	mu         sync.Mutex
	children   map[string]*Logger
	components map[string]bool // for Components()
}

func newLogger(inner *log.Logger) *Logger {
	return &Logger{Logger: inner, children: make(map[string]*Logger), components: make(map[string]bool)}
}

// New builds a root Logger from cfg. A nil cfg uses sane defaults
// (info level, stderr, time-only timestamps, text format).
func New(cfg *Config) *Logger {
	c := cfg.withDefaults()

	opts := log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		TimeFormat:      c.TimeFormat,
	}
	if c.JSON {
		opts.Formatter = log.JSONFormatter
	}

	inner := log.NewWithOptions(c.Output, opts)
	inner.SetLevel(ParseLevel(c.Level))
	return newLogger(inner)
}

// Default returns a Logger built from Config's zero value.
func Default() *Logger {
	return New(nil)
}

// ParseLevel maps a config string onto a charmbracelet/log level,
// defaulting to info on anything it doesn't recognize rather than
// failing config load over a typo.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "info", "":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Component returns the child logger for name, creating and caching it
// on first use with this logger's current level and name as its prefix.
// Later calls with the same name return the cached child rather than a
// new logger instance. The level is copied once at creation; a later
// SetLevel on the parent does not reach existing children.
func (l *Logger) Component(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if child, ok := l.children[name]; ok {
		return child
	}

	inner := l.Logger.WithPrefix(name)
	inner.SetLevel(l.Logger.GetLevel())
	child := newLogger(inner)
	l.children[name] = child
	l.components[name] = true
	return child
}

// Components lists the component names this logger has handed out a
// child for, in no particular order. Useful for a startup banner that
// wants to confirm which subsystems registered a logger.
func (l *Logger) Components() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.components))
	for name := range l.components {
		names = append(names, name)
	}
	return names
}

var (
	defaultMu     sync.Mutex
	defaultLogger = Default()
)

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefault returns the process-wide default logger.
func GetDefault() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}
