package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/dunamismax/cardscan/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdlibScaler struct{}

func (stdlibScaler) Scale(ctx context.Context, input []byte, maxWidth, quality int) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= maxWidth {
		return nil, "", 0, 0, ErrNoChange
	}

	src, format, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w", err)
	}

	dst, err := resizeToWidth(src, maxWidth)
	if err != nil {
		return nil, "", 0, 0, err
	}

	var (
		buf       bytes.Buffer
		mediaType string
	)
	if format == "png" {
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&buf, dst); err != nil {
			return nil, "", 0, 0, fmt.Errorf("encode png: %w", err)
		}
		mediaType = domain.MediaTypePNG
	} else {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", 0, 0, fmt.Errorf("encode jpeg: %w", err)
		}
		mediaType = domain.MediaTypeJPEG
	}

	bounds := dst.Bounds()
	return buf.Bytes(), mediaType, bounds.Dx(), bounds.Dy(), nil
}

func resizeToWidth(src image.Image, width int) (image.Image, error) {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	height := int(math.Round(float64(srcH) * float64(width) / float64(srcW)))
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, srcBounds, draw.Src, nil)
	return dst, nil
}
