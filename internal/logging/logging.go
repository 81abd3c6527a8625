package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/cardscan/internal/config"
	"github.com/rs/zerolog"
)

// New builds the process logger. Format "pretty" writes human-readable
// console lines; anything else writes JSON.
func New(cfg config.LoggingConfig, component string) zerolog.Logger {
	return NewWithWriter(os.Stderr, cfg, component)
}

func NewWithWriter(w io.Writer, cfg config.LoggingConfig, component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(cfg.Format, "pretty") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp()
	if component != "" {
		logger = logger.Str("component", component)
	}
	return logger.Logger()
}
