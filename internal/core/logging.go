package core

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Format "json" writes one JSON object
// per line; anything else uses the console writer. Unknown levels log at
// info.
func NewLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	w := out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
