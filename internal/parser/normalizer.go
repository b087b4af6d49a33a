/**
 * Response Normalizer
 *
 * Turns untrusted free-form model output into a strictly shaped OCRResult.
 * Every numeric and enum-like field is validated on its own and defaulted
 * when missing or mistyped. Parse failures never escape: the caller always
 * receives a result, falling back to a single element holding the raw reply.
 */

package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/vision-ocr/internal/logging"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

const (
	defaultConfidence = 50.0
	unknownColor      = "unknown"
	wordsPerLine      = 10
)

var fencePattern = regexp.MustCompile("```(?i:json)?\\n?")

// Normalizer converts raw model text into OCR results
type Normalizer struct {
	logger *logging.Logger
}

// NewNormalizer creates a normalizer. A nil logger gets a quiet default.
func NewNormalizer(logger *logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.NewDebugLogger("Normalizer", false)
	}
	return &Normalizer{logger: logger}
}

// Normalize parses raw into an OCRResult. It never fails: anything that
// cannot be interpreted as the expected JSON object yields FallbackResult.
// ProcessingTimeMs is measured from start; ImageInfo always comes from the
// supplied metadata, never from the model.
func (n *Normalizer) Normalize(raw string, prepared, original ocr.ImageMetadata, start time.Time) *ocr.OCRResult {
	result, err := parseResult(ExtractCandidate(raw), prepared, original, start)
	if err != nil {
		n.logger.Debug("JSON parsing failed, creating fallback result",
			"error", err,
			"responseLength", len(raw))
		return FallbackResult(raw, prepared, original, start)
	}

	n.logger.Debug("Model response normalized",
		"elements", result.Metadata.TotalElements,
		"averageConfidence", result.Metadata.AverageConfidence)
	return result
}

// ExtractCandidate strips code fences and returns the span from the first
// '{' to the last '}', or the whole trimmed text when there is no such span.
func ExtractCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	s = fencePattern.ReplaceAllString(s, "")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// FallbackResult wraps the raw model text in a single element covering the
// whole processed image.
func FallbackResult(raw string, prepared, original ocr.ImageMetadata, start time.Time) *ocr.OCRResult {
	w := float64(prepared.Width)
	h := float64(prepared.Height)

	return &ocr.OCRResult{
		RawText: raw,
		Elements: []ocr.OCRTextElement{
			{
				Text: raw,
				Coordinates: ocr.Coordinates{
					X:       0,
					Y:       0,
					Width:   w,
					Height:  h,
					CenterX: w / 2,
					CenterY: h / 2,
				},
				Confidence:      defaultConfidence,
				Color:           unknownColor,
				BackgroundColor: unknownColor,
				LineNumber:      1,
				WordIndex:       1,
			},
		},
		Metadata: ocr.ResultMetadata{
			TotalElements:     1,
			AverageConfidence: defaultConfidence,
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
			ImageInfo:         imageInfo(prepared, original),
		},
	}
}

func parseResult(candidate string, prepared, original ocr.ImageMetadata, start time.Time) (*ocr.OCRResult, error) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	root, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("top-level JSON value is %T, not an object", decoded)
	}

	items, err := elementList(root["elements"])
	if err != nil {
		return nil, err
	}

	elements := make([]ocr.OCRTextElement, 0, len(items))
	total := 0.0
	for i, item := range items {
		el, err := coerceElement(item, i)
		if err != nil {
			return nil, err
		}
		total += el.Confidence
		elements = append(elements, el)
	}

	average := 0.0
	if len(elements) > 0 {
		average = total / float64(len(elements))
	}

	return &ocr.OCRResult{
		RawText:  stringOf(root["rawText"]),
		Elements: elements,
		Metadata: ocr.ResultMetadata{
			TotalElements:     len(elements),
			AverageConfidence: average,
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
			ImageInfo:         imageInfo(prepared, original),
		},
	}, nil
}

// elementList accepts a missing, null or falsy "elements" as empty.
func elementList(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return t, nil
	case bool:
		if !t {
			return nil, nil
		}
	case float64:
		if t == 0 {
			return nil, nil
		}
	case string:
		if t == "" {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("elements is %T, not an array", v)
}

func coerceElement(item interface{}, index int) (ocr.OCRTextElement, error) {
	if item == nil {
		return ocr.OCRTextElement{}, fmt.Errorf("element %d is null", index)
	}
	// scalars and arrays carry no fields, so every field takes its default
	m, _ := item.(map[string]interface{})

	// a missing or mistyped coordinates object reads as empty
	coords, _ := m["coordinates"].(map[string]interface{})

	x := numberOr(coords["x"], 0)
	y := numberOr(coords["y"], 0)

	return ocr.OCRTextElement{
		Text: stringOf(m["text"]),
		Coordinates: ocr.Coordinates{
			X:       x,
			Y:       y,
			Width:   numberOr(coords["width"], 0),
			Height:  numberOr(coords["height"], 0),
			CenterX: numberOr(coords["centerX"], x),
			CenterY: numberOr(coords["centerY"], y),
		},
		Confidence:      clamp(numberOr(m["confidence"], defaultConfidence), 0, 100),
		Color:           colorOf(m["color"]),
		BackgroundColor: colorOf(m["backgroundColor"]),
		LineNumber:      ordinalOr(m["lineNumber"], index/wordsPerLine+1),
		WordIndex:       ordinalOr(m["wordIndex"], index%wordsPerLine+1),
	}, nil
}

// toNumber follows JavaScript Number() conversion for JSON values.
// The second return is false when the conversion yields NaN.
func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case nil:
		return 0, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// numberOr returns def when v converts to NaN or zero.
func numberOr(v interface{}, def float64) float64 {
	n, ok := toNumber(v)
	if !ok || n == 0 {
		return def
	}
	return n
}

// ordinalOr returns a 1-based integer, or def when v is not one.
func ordinalOr(v interface{}, def int) int {
	n := math.Floor(numberOr(v, float64(def)))
	if n < 1 || n > math.MaxInt32 {
		return def
	}
	return int(n)
}

func stringOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func colorOf(v interface{}) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return unknownColor
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func imageInfo(prepared, original ocr.ImageMetadata) ocr.ImageInfo {
	return ocr.ImageInfo{
		Width:           original.Width,
		Height:          original.Height,
		Format:          original.Format,
		ProcessedWidth:  prepared.Width,
		ProcessedHeight: prepared.Height,
	}
}
