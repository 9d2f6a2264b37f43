package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the loggers created by New. Empty fields fall back to
// LOG_LEVEL and APP_ENV.
type Options struct {
	// Level is a zerolog level name such as debug, info or warn.
	Level string `json:"level"`
	// Format is "json" or "console".
	Format string `json:"format"`
	// File, when set, receives the logs instead of stdout and is rotated.
	File      string `json:"file"`
	MaxSizeMB int    `json:"max_size_mb"`
}

// Validate checks the level and format names.
func (o Options) Validate() error {
	if o.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(o.Level)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	switch o.Format {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("unknown log format %q", o.Format)
}

var (
	mu   sync.RWMutex
	root = build(Options{}, os.Stdout)
)

// Configure replaces the root logger. Loggers created before keep their
// previous output.
func Configure(o Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	var out io.Writer = os.Stdout
	if o.File != "" {
		size := o.MaxSizeMB
		if size <= 0 {
			size = 50
		}
		out = &lumberjack.Logger{Filename: o.File, MaxSize: size, MaxBackups: 5, Compress: true}
	}
	mu.Lock()
	root = build(o, out)
	mu.Unlock()
	return nil
}

func build(o Options, out io.Writer) zerolog.Logger {
	format := o.Format
	if format == "" && strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		format = "console"
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level(o.Level)).With().Timestamp().Str("service", "qgdispatch").Logger()
}

func level(name string) zerolog.Level {
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.DebugLevel
	}
	return lvl
}

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger derives a component logger from the root logger.
func NewZerologLogger(component string) Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &ZerologLogger{log: root.With().Str("component", component).Logger()}
}

// NewZerologLoggerWithWriter builds a standalone JSON logger writing to w.
func NewZerologLoggerWithWriter(w io.Writer, component string) Logger {
	return &ZerologLogger{log: zerolog.New(w).Level(level("")).With().Timestamp().Str("component", component).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) { l.log.Info().Msgf(format, args...) }

func (l *ZerologLogger) Infow(msg string, fields map[string]any) {
	l.log.Info().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Warnf(format string, args ...any) { l.log.Warn().Msgf(format, args...) }

func (l *ZerologLogger) Warnw(msg string, fields map[string]any) {
	l.log.Warn().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
