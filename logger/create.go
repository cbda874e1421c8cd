// Package logger builds the zerolog.Logger used by both the client and
// server binaries: a console sink plus an optional rolling file sink, with
// a level that falls back to info on a bad config value instead of
// refusing to start.
package logger

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consoleTimeFormat = time.RFC3339

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = utcNow
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("falling back to a default logger due to logger setup failure: %s", err)
	return &failLog
}

// resilientMultiWriter is an alternative to zerolog's so that one broken
// writer (e.g. a file sink on a read-only filesystem) can't prevent the
// other sinks from receiving the event.
type resilientMultiWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (t resilientMultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (t resilientMultiWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if t.level <= level {
		for _, w := range t.writers {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

var levelErrorLogged = false

func newZerolog(cfg *Config) *zerolog.Logger {
	var writers []io.Writer

	if cfg.ConsoleConfig != nil {
		writers = append(writers, createConsoleLogger(*cfg.ConsoleConfig))
	}

	if cfg.RollingConfig != nil {
		rollingLogger, err := createRollingLogger(*cfg.RollingConfig)
		if err != nil {
			return fallbackLogger(err)
		}
		writers = append(writers, rollingLogger)
	}

	level, levelErr := zerolog.ParseLevel(cfg.MinLevel)
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	multi := resilientMultiWriter{level, writers}
	log := zerolog.New(multi).With().Timestamp().Logger()
	if !levelErrorLogged && levelErr != nil {
		log.Error().Msgf("failed to parse log level %q, using %q instead", cfg.MinLevel, level)
		levelErrorLogged = true
	}
	return &log
}

// Create builds a logger from cfg, falling back to the defaults (console
// output plus a rolling tuic.log file) when cfg is nil.
func Create(cfg *Config) *zerolog.Logger {
	if cfg == nil {
		d := createDefaultConfig()
		cfg = &d
	}
	return newZerolog(cfg)
}

func createConsoleLogger(cfg ConsoleConfig) io.Writer {
	out := colorable.NewColorable(os.Stderr)
	if cfg.asJSON {
		return &consoleWriter{out: out}
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.noColor || !term.IsTerminal(int(os.Stderr.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

func createRollingLogger(cfg RollingConfig) (io.Writer, error) {
	if cfg.Dirname != "" {
		if err := os.MkdirAll(cfg.Dirname, dirPermMode); err != nil {
			return nil, err
		}
	}
	return &lumberjack.Logger{
		Filename:   path.Join(cfg.Dirname, cfg.Filename),
		MaxBackups: cfg.maxBackups,
		MaxSize:    cfg.maxSize,
		MaxAge:     cfg.maxAge,
	}, nil
}
