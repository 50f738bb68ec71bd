// Package imaging re-encodes downloaded channel photos into inline data URIs.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Format names an output encoding.
type Format string

const (
	// FormatJPEG encodes lossy JPEG at Options.Quality.
	FormatJPEG Format = "jpeg"
	// FormatPNG encodes lossless PNG at a compression level derived from Options.Effort.
	FormatPNG Format = "png"
)

const (
	defaultQuality = 80
	defaultEffort  = 4
	maxEffort      = 9
)

// Options controls one transcode.
type Options struct {
	Format Format
	// Quality is the JPEG quality in [1, 100].
	Quality int
	// Effort trades encode time for size in [0, 9].
	Effort int
	// Lossless forces PNG output regardless of Format.
	Lossless bool
	// MaxDimension bounds the longer edge in pixels; zero keeps the source size.
	MaxDimension int
}

// Normalize fills defaults and clamps out-of-range values.
func (o Options) Normalize() Options {
	o.Format = Format(strings.ToLower(strings.TrimSpace(string(o.Format))))
	if o.Format == "jpg" {
		o.Format = FormatJPEG
	}
	if o.Format != FormatPNG {
		o.Format = FormatJPEG
	}
	if o.Lossless {
		o.Format = FormatPNG
	}
	if o.Quality < 1 || o.Quality > 100 {
		o.Quality = defaultQuality
	}
	if o.Effort < 0 || o.Effort > maxEffort {
		o.Effort = defaultEffort
	}
	if o.MaxDimension < 0 {
		o.MaxDimension = 0
	}

	return o
}

// Transcoder converts raw image bytes into an inline data URI.
type Transcoder interface {
	// Transcode returns "" when the input cannot be decoded or encoded.
	Transcode(data []byte) string
}

// StdTranscoder decodes JPEG, PNG, GIF and WebP and re-encodes per Options.
type StdTranscoder struct {
	options Options
	logger  *slog.Logger
}

// NewStdTranscoder creates a transcoder with normalized options.
func NewStdTranscoder(options Options, logger *slog.Logger) *StdTranscoder {
	if logger == nil {
		logger = slog.Default()
	}

	return &StdTranscoder{options: options.Normalize(), logger: logger}
}

// Options returns the effective options.
func (t *StdTranscoder) Options() Options {
	return t.options
}

// Transcode implements Transcoder.
func (t *StdTranscoder) Transcode(data []byte) string {
	encoded, mime, err := t.encode(data)
	if err != nil {
		t.logger.Warn("image transcode failed", "bytes", len(data), "error", err)
		return ""
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(encoded)
}

func (t *StdTranscoder) encode(data []byte) (encoded []byte, mime string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("transcode: panic recovered: %v", recovered)
		}
	}()

	if len(data) == 0 {
		return nil, "", fmt.Errorf("transcode: empty input")
	}

	source, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("transcode: decode: %w", err)
	}
	source = fit(source, t.options.MaxDimension)

	var buf bytes.Buffer
	switch t.options.Format {
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: pngCompression(t.options.Effort)}
		if err := encoder.Encode(&buf, source); err != nil {
			return nil, "", fmt.Errorf("transcode: encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	default:
		if err := jpeg.Encode(&buf, source, &jpeg.Options{Quality: t.options.Quality}); err != nil {
			return nil, "", fmt.Errorf("transcode: encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

// fit downsizes img so its longer edge is at most maxDimension.
func fit(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return img
	}

	scaledWidth, scaledHeight := maxDimension, maxDimension
	if width >= height {
		scaledHeight = max(1, height*maxDimension/width)
	} else {
		scaledWidth = max(1, width*maxDimension/height)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)

	return scaled
}

func pngCompression(effort int) png.CompressionLevel {
	switch {
	case effort <= 2:
		return png.BestSpeed
	case effort >= 7:
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}
