package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ecomsimply/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger from cfg.
func Setup(cfg config.Log) error {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.Log, w io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	default:
		return fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", "ecomsimply").Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}
