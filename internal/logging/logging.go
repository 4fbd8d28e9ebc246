// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"

	"fleetllm/internal/config"
)

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotating JSON log file. The returned closer releases the file sink.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	return build(cfg, os.Stderr)
}

func build(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	var console io.Writer = stderr
	if useConsole(cfg.Format, stderr) {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
	}
	var closer io.Closer = nopCloser{}
	w := console
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		closer = lj
		w = zerolog.MultiLevelWriter(console, lj)
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return l, closer, nil
}

// ParseLevel maps a config level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func useConsole(format string, w io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
