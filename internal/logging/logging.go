// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dbpulse/internal/config"
)

// Setup installs the global logger described by cfg.
//
// Console output is JSON unless cfg.Pretty is set. When cfg.File is set the
// same events are also written to a rotating file next to it, e.g.
// "logs/dbpulse.log" becomes "logs/dbpulse.20261018.log" with daily
// rotation and "logs/dbpulse.2026101813.log" with hourly rotation.
//
// The returned closer releases the rotating file, if any.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = os.Stderr
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	if cfg.File == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nopCloser{}, nil
	}

	rotating, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, rotating)).With().Timestamp().Logger()
	return rotating, nil
}

func newRotatingWriter(cfg config.LogConfig) (*rotatelogs.RotateLogs, error) {
	dir := filepath.Dir(cfg.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer, err := rotatelogs.New(
		rotationPattern(cfg.File, cfg.RotationTime),
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithMaxAge(cfg.MaxAge),
		rotatelogs.WithRotationTime(cfg.RotationTime),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open rotating log file: %w", err)
	}
	return writer, nil
}

// rotationPattern names the rotated files of file precisely enough that two
// rotations never share a name.
func rotationPattern(file string, rotation time.Duration) string {
	stamp := ".%Y%m%d"
	switch {
	case rotation > 0 && rotation < time.Hour:
		stamp = ".%Y%m%d%H%M"
	case rotation > 0 && rotation < 24*time.Hour:
		stamp = ".%Y%m%d%H"
	}

	ext := filepath.Ext(file)
	return strings.TrimSuffix(file, ext) + stamp + ext
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
