/**
 * Image Preparer
 *
 * Resolves an image input (raw bytes, local path or http(s) URL) and runs the
 * fixed preparation pipeline before the image is sent to a vision model:
 * - Fit inside the configured bounds (aspect preserved, never upscaled)
 * - Optional luminance normalization (percentile histogram stretch)
 * - Optional sharpening
 * - JPEG encoding at the configured quality
 */

package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/logging"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

const (
	// maxDownloadBytes caps remote image downloads
	maxDownloadBytes = 64 * 1024 * 1024

	sharpenSigma = 1.0

	// percentiles clipped at each end of the luminance histogram
	normalizeClip = 0.01
)

// Preparer turns image inputs into model-ready JPEG buffers
type Preparer struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewPreparer creates an image preparer. A nil client gets a default with a
// two minute timeout; a nil logger gets a quiet default.
func NewPreparer(httpClient *http.Client, logger *logging.Logger) *Preparer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = logging.NewDebugLogger("ImagePreparer", false)
	}
	return &Preparer{httpClient: httpClient, logger: logger}
}

// IsURL reports whether s names a remote image
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Prepare resolves input and runs the preparation pipeline.
// input must be a []byte, a local file path or an http(s) URL.
func (p *Preparer) Prepare(ctx context.Context, input interface{}, opts ocr.ImageOptions) (*ocr.PreparedImage, error) {
	if err := opts.Validate(); err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	data, err := p.load(ctx, input)
	if err != nil {
		return nil, err
	}

	img, original, err := decode(data)
	if err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	p.logger.Debug("Image decoded",
		"format", original.Format,
		"width", original.Width,
		"height", original.Height,
		"bytes", original.Size)

	var out image.Image = img
	if original.Width > opts.MaxWidth || original.Height > opts.MaxHeight {
		out = imaging.Fit(out, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
	}
	if opts.Normalize {
		out = normalize(out)
	}
	if opts.Sharpen {
		out = imaging.Sharpen(out, sharpenSigma)
	}

	buf, err := encodeJPEG(out, opts.Quality)
	if err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	meta, err := Describe(buf)
	if err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	p.logger.Debug("Image prepared",
		"width", meta.Width,
		"height", meta.Height,
		"bytes", meta.Size)

	return &ocr.PreparedImage{
		Buffer:           buf,
		Metadata:         meta,
		OriginalMetadata: original,
	}, nil
}

// Crop cuts rect out of an encoded image and re-encodes it as JPEG.
// A rectangle that does not intersect the image is an error.
func (p *Preparer) Crop(buffer []byte, rect image.Rectangle, quality int) ([]byte, error) {
	img, _, err := decode(buffer)
	if err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	bounds := img.Bounds()
	r := rect.Add(bounds.Min).Intersect(bounds)
	if r.Empty() {
		return nil, ocrerrors.NewImageProcessingError(
			fmt.Errorf("region %v lies outside the %dx%d image", rect, bounds.Dx(), bounds.Dy()))
	}

	out, err := encodeJPEG(imaging.Crop(img, r), quality)
	if err != nil {
		return nil, ocrerrors.NewImageProcessingError(err)
	}

	p.logger.Debug("Region cropped", "region", r.String(), "bytes", len(out))
	return out, nil
}

// Describe reads the dimensions and format of an encoded image
func Describe(data []byte) (ocr.ImageMetadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ocr.ImageMetadata{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return ocr.ImageMetadata{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
		Size:   len(data),
	}, nil
}

func (p *Preparer) load(ctx context.Context, input interface{}) ([]byte, error) {
	switch v := input.(type) {
	case []byte:
		return v, nil
	case string:
		if IsURL(v) {
			data, err := p.download(ctx, v)
			if err != nil {
				return nil, ocrerrors.NewImageProcessingError(err)
			}
			return data, nil
		}
		data, err := os.ReadFile(v)
		if err != nil {
			return nil, ocrerrors.NewImageProcessingError(fmt.Errorf("failed to read image file: %w", err))
		}
		return data, nil
	default:
		return nil, ocrerrors.NewInvalidInputError(input)
	}
}

func (p *Preparer) download(ctx context.Context, url string) ([]byte, error) {
	p.logger.Debug("Downloading image", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download image: HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	return data, nil
}

func decode(data []byte) (image.Image, ocr.ImageMetadata, error) {
	if len(data) == 0 {
		return nil, ocr.ImageMetadata{}, fmt.Errorf("image data is empty")
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ocr.ImageMetadata{}, fmt.Errorf("unsupported or corrupt image: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ocr.ImageMetadata{}, fmt.Errorf("failed to decode %s image: %w", format, err)
	}

	b := img.Bounds()
	return img, ocr.ImageMetadata{
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
		Size:   len(data),
	}, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize stretches luminance so the darkest and brightest percentiles map
// to the full 0-255 range. Flat images are returned unchanged.
func normalize(img image.Image) image.Image {
	hist := imaging.Histogram(img)

	lo, hi := 0, 255
	acc := 0.0
	for i := 0; i < 256; i++ {
		acc += hist[i]
		if acc > normalizeClip {
			lo = i
			break
		}
	}
	acc = 0.0
	for i := 255; i >= 0; i-- {
		acc += hist[i]
		if acc > normalizeClip {
			hi = i
			break
		}
	}
	if hi <= lo || (lo == 0 && hi == 255) {
		return img
	}

	scale := 255.0 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		f := (float64(v) - float64(lo)) * scale
		switch {
		case f <= 0:
			return 0
		case f >= 255:
			return 255
		default:
			return uint8(f + 0.5)
		}
	}

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	})
}
