// Package prompt builds the instruction text sent to the vision model.
package prompt

import (
	"strings"

	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

// Options tunes the generated prompt
type Options struct {
	IncludeColors bool
}

// Builder produces OCR prompts. It is stateless; the zero value is ready to use.
type Builder struct{}

// NewBuilder creates a prompt builder
func NewBuilder() *Builder {
	return &Builder{}
}

const basePrompt = `You are a precise optical character recognition system. Analyze the provided image and extract ALL visible text together with its position.

REQUIREMENTS:
1. Extract every visible text fragment, however small, in any language or font
2. Give pixel coordinates for each fragment's bounding box
3. Give the width and height of each bounding box, and its center point (centerX = x + width/2, centerY = y + height/2)
4. Estimate a confidence score between 0 and 100 for each fragment
5. Number lines from 1 (lineNumber) and words within a line from 1 (wordIndex)
6. Preserve the original spelling, spacing and punctuation

COORDINATE SYSTEM:
- Origin (0,0) is the top-left corner of the image
- x increases to the right
- y increases downward
- All values are in pixels`

// ColorInstructions is the color-analysis block added when colors are requested.
const ColorInstructions = `

COLOR ANALYSIS:
- Report the foreground color of each text fragment as "color"
- Report the background color behind each fragment as "backgroundColor"
- Use common color names (black, red, blue, ...) or hex codes (#RRGGBB)
- If a color cannot be determined, use the literal string "unknown"`

// JSONSchema is the exact response shape requested for JSON output.
const JSONSchema = `{
  "rawText": "all extracted text, concatenated in reading order",
  "elements": [
    {
      "text": "extracted text",
      "coordinates": {
        "x": 0,
        "y": 0,
        "width": 0,
        "height": 0,
        "centerX": 0,
        "centerY": 0
      },
      "confidence": 0,
      "color": "black or #RRGGBB",
      "backgroundColor": "white or #RRGGBB",
      "lineNumber": 1,
      "wordIndex": 1
    }
  ],
  "metadata": {
    "totalElements": 0,
    "averageConfidence": 0,
    "processingTimeMs": 0,
    "imageInfo": {
      "width": 0,
      "height": 0,
      "format": "png or jpeg"
    }
  }
}`

const jsonOutput = `

OUTPUT FORMAT: Return ONLY a single valid JSON object with exactly this structure:
` + JSONSchema + `

The JSON must be well formed. Do NOT write any text, explanation or markdown outside the JSON object.`

const textOutput = `

OUTPUT FORMAT: Return ONLY the raw extracted text, one line of the image per line of output. Do NOT include coordinates, confidence scores or any other metadata.`

// Build returns the prompt for the requested output format
func (b *Builder) Build(format ocr.Format, opts Options) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if opts.IncludeColors {
		sb.WriteString(ColorInstructions)
	}

	if format == ocr.FormatText {
		sb.WriteString(textOutput)
	} else {
		sb.WriteString(jsonOutput)
	}

	return sb.String()
}
