package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Options controls how the root logger is built.
type Options struct {
	Level      string
	File       string
	MaxSizeKB  int64
	MaxRolls   int
	Console    bool
	TimeFormat string
}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
	defaultLoggerMu   sync.RWMutex
	logRotator        *rotator.Rotator
)

func init() {
	defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// ParseLevel converts a level name into a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Init replaces the root logger. When a log file is set, output goes to
// stderr and to a size rotated file.
func Init(opts Options) error {
	var writers []io.Writer

	timeFormat := opts.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	if opts.Console || opts.File == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat})
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		sizeKB := opts.MaxSizeKB
		if sizeKB <= 0 {
			sizeKB = 1024
		}
		rolls := opts.MaxRolls
		if rolls <= 0 {
			rolls = 10
		}
		r, err := rotator.New(opts.File, sizeKB, false, rolls)
		if err != nil {
			return fmt.Errorf("failed to create file rotator: %w", err)
		}
		writers = append(writers, r)

		defaultLoggerMu.Lock()
		if logRotator != nil {
			logRotator.Close()
		}
		logRotator = r
		defaultLoggerMu.Unlock()
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().Level(ParseLevel(opts.Level))

	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
	return nil
}

// Close flushes and closes the log rotator, if any.
func Close() {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if logRotator != nil {
		logRotator.Close()
		logRotator = nil
	}
}

// GetDefaultLogger returns the process root logger.
func GetDefaultLogger() *zerolog.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	l := defaultLogger
	return &l
}

// GetSubsystemLogger returns a child of the root logger tagged with the component name.
func GetSubsystemLogger(component string) *zerolog.Logger {
	l := GetDefaultLogger().With().Str("component", component).Logger()
	return &l
}
