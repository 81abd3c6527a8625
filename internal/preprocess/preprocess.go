// Package preprocess shrinks oversized card photos before they are sent for
// recognition.
package preprocess

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxWidth = 2048
	DefaultQuality  = 85
)

// ErrNoChange means the image already fits and is sent as-is.
var ErrNoChange = errors.New("image already within bounds")

type Config struct {
	MaxWidth int
	Quality  int
}

// Scaler downsizes an image to at most maxWidth pixels wide.
type Scaler interface {
	Scale(ctx context.Context, input []byte, maxWidth, quality int) (data []byte, mediaType string, width, height int, err error)
}

type Preprocessor struct {
	cfg    Config
	scaler Scaler
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Preprocessor {
	return NewWithScaler(cfg, newScaler(), logger)
}

func NewWithScaler(cfg Config, scaler Scaler, logger zerolog.Logger) *Preprocessor {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	return &Preprocessor{cfg: cfg, scaler: scaler, logger: logger}
}

// Prepare returns a smaller rendition of data when it is wider than the
// configured maximum. On any failure the original bytes are returned.
func (p *Preprocessor) Prepare(ctx context.Context, data []byte, mediaType string) ([]byte, string) {
	if p == nil || p.cfg.MaxWidth <= 0 || len(data) == 0 {
		return data, mediaType
	}

	out, outType, width, height, err := p.scaler.Scale(ctx, data, p.cfg.MaxWidth, p.cfg.Quality)
	switch {
	case errors.Is(err, ErrNoChange):
		return data, mediaType
	case err != nil:
		p.logger.Debug().Err(err).Int("bytes", len(data)).Msg("preprocess skipped")
		return data, mediaType
	case len(out) >= len(data):
		return data, mediaType
	}

	p.logger.Debug().
		Int("width", width).
		Int("height", height).
		Int("bytes_before", len(data)).
		Int("bytes_after", len(out)).
		Msg("image downscaled")
	return out, outType
}
