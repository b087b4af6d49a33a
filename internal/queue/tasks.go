/**
 * Task payloads for the Vision OCR queue
 *
 * Payloads are JSON. Image bytes travel as base64 strings; Node.js Buffer
 * objects ({"type":"Buffer","data":[...]}) are accepted as well so jobs can
 * be enqueued from the JavaScript side.
 */

package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
)

// Task types
const (
	TypeExtract = "ocr:extract"
	TypeBatch   = "ocr:batch"
)

// ImageSource is an image carried by a task: inline bytes or a URL
type ImageSource struct {
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Buffer   []byte `json:"buffer,omitempty"`
}

// UnmarshalJSON accepts the buffer as a base64 string or a Node.js Buffer object
func (s *ImageSource) UnmarshalJSON(data []byte) error {
	type alias ImageSource
	aux := &struct {
		Buffer interface{} `json:"buffer,omitempty"`
		*alias
	}{
		alias: (*alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal image source: %w", err)
	}

	s.Buffer = nil
	switch v := aux.Buffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 buffer: %w", err)
		}
		s.Buffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		s.Buffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			s.Buffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("buffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Input returns the value handed to the engine
func (s ImageSource) Input() (interface{}, error) {
	if len(s.Buffer) > 0 {
		return s.Buffer, nil
	}
	if s.URL != "" {
		return s.URL, nil
	}
	return nil, fmt.Errorf("image source has neither buffer nor url")
}

// Label identifies the source in stored results without echoing its bytes
func (s ImageSource) Label() string {
	switch {
	case s.URL != "":
		return s.URL
	case s.Filename != "":
		return s.Filename
	default:
		return fmt.Sprintf("buffer(%d bytes)", len(s.Buffer))
	}
}

// JobOptions are the per-job extraction settings. Unset fields take the
// worker's defaults.
type JobOptions struct {
	OutputFormat  string `json:"outputFormat,omitempty"`
	IncludeColors *bool  `json:"includeColors,omitempty"`
	CustomPrompt  string `json:"customPrompt,omitempty"`
}

// Apply overlays the job options on defaults
func (o JobOptions) Apply(defaults processor.ExtractOptions) (processor.ExtractOptions, error) {
	opts := defaults
	if o.OutputFormat != "" {
		format, err := ocr.ParseFormat(o.OutputFormat)
		if err != nil {
			return opts, err
		}
		opts.Format = format
	}
	if o.IncludeColors != nil {
		opts.IncludeColors = *o.IncludeColors
	}
	if o.CustomPrompt != "" {
		opts.CustomPrompt = o.CustomPrompt
	}
	return opts, nil
}

// ExtractPayload is the payload of an ocr:extract task
type ExtractPayload struct {
	JobID   string      `json:"jobId"`
	Image   ImageSource `json:"image"`
	Options JobOptions  `json:"options"`
}

// BatchPayload is the payload of an ocr:batch task
type BatchPayload struct {
	JobID       string        `json:"jobId"`
	Images      []ImageSource `json:"images"`
	Options     JobOptions    `json:"options"`
	Concurrency int           `json:"concurrency,omitempty"`
}

// NewExtractTask builds an ocr:extract task
func NewExtractTask(p *ExtractPayload) (*asynq.Task, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if _, err := p.Image.Input(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extract payload: %w", err)
	}
	return asynq.NewTask(TypeExtract, payload), nil
}

// NewBatchTask builds an ocr:batch task
func NewBatchTask(p *BatchPayload) (*asynq.Task, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if len(p.Images) == 0 {
		return nil, fmt.Errorf("batch requires at least one image")
	}
	for i, img := range p.Images {
		if _, err := img.Input(); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeBatch, payload), nil
}
