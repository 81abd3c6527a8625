//go:build govips && cgo

package preprocess

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/cardscan/internal/domain"
)

type govipsScaler struct{}

func (govipsScaler) Scale(ctx context.Context, input []byte, maxWidth, quality int) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if img.Width() <= maxWidth {
		return nil, "", 0, 0, ErrNoChange
	}

	if err := img.AutoRotate(); err != nil {
		return nil, "", 0, 0, fmt.Errorf("auto-rotate image: %w", err)
	}
	if err := img.Resize(float64(maxWidth)/float64(img.Width()), vips.KernelLanczos3); err != nil {
		return nil, "", 0, 0, fmt.Errorf("resize image: %w", err)
	}

	if vips.DetermineImageType(input) == vips.ImageTypePNG {
		params := vips.NewPngExportParams()
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, "", 0, 0, fmt.Errorf("encode png: %w", err)
		}
		return data, domain.MediaTypePNG, img.Width(), img.Height(), nil
	}

	params := vips.NewJpegExportParams()
	params.Quality = quality
	params.StripMetadata = true
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return data, domain.MediaTypeJPEG, img.Width(), img.Height(), nil
}
