package app

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the root logger described by cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch cfg.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("logging.format: unknown format %q", cfg.Format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
