package ocr

import (
	"fmt"
	"math"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[\d\s\-()]{10,}`)
	datePattern  = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}-\d{1,2}-\d{4}`)
	numPattern   = regexp.MustCompile(`\d+\.?\d*`)
	urlPattern   = regexp.MustCompile(`https?://\S+`)
)

// Emails returns elements whose text contains an e-mail address
func (r *OCRResult) Emails() []OCRTextElement {
	return r.filter(emailPattern)
}

// PhoneNumbers returns elements whose text looks like a phone number
func (r *OCRResult) PhoneNumbers() []OCRTextElement {
	return r.filter(phonePattern)
}

// Dates returns elements containing a d/m/yyyy, yyyy-mm-dd or d-m-yyyy date
func (r *OCRResult) Dates() []OCRTextElement {
	return r.filter(datePattern)
}

// Numbers returns elements containing any number
func (r *OCRResult) Numbers() []OCRTextElement {
	return r.filter(numPattern)
}

// URLs returns elements containing an http(s) URL
func (r *OCRResult) URLs() []OCRTextElement {
	return r.filter(urlPattern)
}

// GroupByColor buckets elements by their foreground color
func (r *OCRResult) GroupByColor() map[string][]OCRTextElement {
	groups := make(map[string][]OCRTextElement)
	for _, el := range r.Elements {
		color := el.Color
		if color == "" {
			color = "unknown"
		}
		groups[color] = append(groups[color], el)
	}
	return groups
}

// GroupByRegion buckets elements into horizontal bands of bandHeight pixels
// keyed by band index (y / bandHeight).
func (r *OCRResult) GroupByRegion(bandHeight float64) map[int][]OCRTextElement {
	if bandHeight <= 0 {
		bandHeight = 50
	}
	groups := make(map[int][]OCRTextElement)
	for _, el := range r.Elements {
		band := int(math.Floor(el.Coordinates.Y / bandHeight))
		groups[band] = append(groups[band], el)
	}
	return groups
}

// FindByCoordinates returns elements whose top-left corner lies within
// tolerance pixels of (x, y) on both axes.
func (r *OCRResult) FindByCoordinates(x, y, tolerance float64) []OCRTextElement {
	var found []OCRTextElement
	for _, el := range r.Elements {
		if math.Abs(el.Coordinates.X-x) <= tolerance && math.Abs(el.Coordinates.Y-y) <= tolerance {
			found = append(found, el)
		}
	}
	return found
}

// Matchers maps the names accepted by Matcher to their filters
var Matchers = map[string]func(*OCRResult) []OCRTextElement{
	"emails":  (*OCRResult).Emails,
	"phones":  (*OCRResult).PhoneNumbers,
	"dates":   (*OCRResult).Dates,
	"numbers": (*OCRResult).Numbers,
	"urls":    (*OCRResult).URLs,
}

// Matcher returns the element filter called name
func Matcher(name string) (func(*OCRResult) []OCRTextElement, error) {
	m, ok := Matchers[name]
	if !ok {
		return nil, fmt.Errorf("unknown extract %q: must be one of emails, phones, dates, numbers, urls", name)
	}
	return m, nil
}

// Narrow returns a copy of r holding only els, with the element count and
// average confidence recomputed.
func (r *OCRResult) Narrow(els []OCRTextElement) *OCRResult {
	out := *r
	out.Elements = els
	if out.Elements == nil {
		out.Elements = []OCRTextElement{}
	}
	out.Metadata.TotalElements = len(els)
	out.Metadata.AverageConfidence = 0
	if len(els) > 0 {
		total := 0.0
		for _, el := range els {
			total += el.Confidence
		}
		out.Metadata.AverageConfidence = total / float64(len(els))
	}
	return &out
}

func (r *OCRResult) filter(re *regexp.Regexp) []OCRTextElement {
	var found []OCRTextElement
	for _, el := range r.Elements {
		if re.MatchString(el.Text) {
			found = append(found, el)
		}
	}
	return found
}
