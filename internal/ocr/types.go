/**
 * OCR Types - Shared data structures for vision OCR operations
 *
 * Value objects only. Every extraction call owns its own instances.
 */

package ocr

import (
	"encoding/json"
	"fmt"
)

// Format selects the shape of an extraction result
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat maps a user supplied format name, defaulting to JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want json or text)", s)
	}
}

// ImageOptions controls image preparation before the model call
type ImageOptions struct {
	MaxWidth  int  `json:"maxWidth" mapstructure:"max_width"`
	MaxHeight int  `json:"maxHeight" mapstructure:"max_height"`
	Quality   int  `json:"quality" mapstructure:"quality"`     // JPEG quality (1-100)
	Sharpen   bool `json:"sharpen" mapstructure:"sharpen"`     // Apply sharpening filter
	Normalize bool `json:"normalize" mapstructure:"normalize"` // Stretch brightness/contrast
}

// DefaultImageOptions returns the standard preparation pipeline settings
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		MaxWidth:  2048,
		MaxHeight: 2048,
		Quality:   90,
		Sharpen:   true,
		Normalize: true,
	}
}

// Validate checks the option invariants
func (o ImageOptions) Validate() error {
	if o.MaxWidth <= 0 || o.MaxHeight <= 0 {
		return fmt.Errorf("image max dimensions must be positive, got %dx%d", o.MaxWidth, o.MaxHeight)
	}
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("image quality must be between 1 and 100, got %d", o.Quality)
	}
	return nil
}

// ImageMetadata describes an encoded image
type ImageMetadata struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Size   int    `json:"size"` // encoded size in bytes
}

// PreparedImage is the model-ready encoding of an input image
type PreparedImage struct {
	Buffer           []byte
	Metadata         ImageMetadata // of Buffer
	OriginalMetadata ImageMetadata // of the input before resizing
}

// MimeType returns the MIME type of the prepared buffer
func (p *PreparedImage) MimeType() string {
	return "image/" + p.Metadata.Format
}

// Coordinates represents the bounding box of a text element
type Coordinates struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
}

// OCRTextElement represents a single recognised text fragment
type OCRTextElement struct {
	Text            string      `json:"text"`
	Coordinates     Coordinates `json:"coordinates"`
	Confidence      float64     `json:"confidence"` // 0-100
	Color           string      `json:"color"`
	BackgroundColor string      `json:"backgroundColor"`
	LineNumber      int         `json:"lineNumber"`
	WordIndex       int         `json:"wordIndex"`
}

// ImageInfo reports original and processed dimensions
type ImageInfo struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Format          string `json:"format"`
	ProcessedWidth  int    `json:"processedWidth"`
	ProcessedHeight int    `json:"processedHeight"`
}

// ResultMetadata summarises an OCRResult
type ResultMetadata struct {
	TotalElements     int       `json:"totalElements"`
	AverageConfidence float64   `json:"averageConfidence"`
	ProcessingTimeMs  int64     `json:"processingTimeMs"`
	ImageInfo         ImageInfo `json:"imageInfo"`
}

// OCRResult represents the structured result of one extraction
type OCRResult struct {
	RawText  string           `json:"rawText"`
	Elements []OCRTextElement `json:"elements"`
	Metadata ResultMetadata   `json:"metadata"`
}

// Region is a rectangle in original-image pixel space
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Extraction is the outcome of a single ExtractText call. Result is set for
// FormatJSON, Text for FormatText.
type Extraction struct {
	Format Format
	Result *OCRResult
	Text   string
}

// MarshalJSON emits the OCRResult object for JSON extractions and a bare
// string for text extractions.
func (e Extraction) MarshalJSON() ([]byte, error) {
	if e.Format == FormatText {
		return json.Marshal(e.Text)
	}
	return json.Marshal(e.Result)
}

// UnmarshalJSON accepts either shape produced by MarshalJSON.
func (e *Extraction) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		e.Format = FormatText
		e.Text = text
		e.Result = nil
		return nil
	}
	var result OCRResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("extraction is neither text nor an OCR result: %w", err)
	}
	e.Format = FormatJSON
	e.Result = &result
	e.Text = ""
	return nil
}

// BatchItem is one entry of a batch result. Exactly one of Extraction and
// Error is set.
type BatchItem struct {
	Extraction *Extraction `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Image      interface{} `json:"image,omitempty"` // original input, set on failure
}

// Failed reports whether the item carries an error
func (b BatchItem) Failed() bool {
	return b.Error != ""
}

// RegionItem is one entry of a region extraction. Exactly one of Extraction
// and Error is set.
type RegionItem struct {
	Extraction *Extraction `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Region     *Region     `json:"region,omitempty"` // set on failure
}

// Failed reports whether the item carries an error
func (r RegionItem) Failed() bool {
	return r.Error != ""
}
