package processor

import (
	"context"
	"time"

	"github.com/adverant/nexus/vision-ocr/internal/clients"
	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/imageproc"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

// TestReport is the outcome of a provider smoke test
type TestReport struct {
	Success          bool   `json:"success"`
	Provider         string `json:"provider"`
	Model            string `json:"model,omitempty"`
	ElementsFound    int    `json:"elementsFound"`
	RawText          string `json:"rawText,omitempty"`
	ProcessingTimeMs int64  `json:"processingTime"`
	Error            string `json:"error,omitempty"`
}

// GetAvailableModels returns the known vision models for the configured
// provider. No network call is made.
func (e *Engine) GetAvailableModels() []string {
	return clients.AvailableModels(e.config.Provider)
}

// Test runs the JSON pipeline on a generated sample image. It never returns
// an error; failures are reported in the TestReport.
func (e *Engine) Test(ctx context.Context) *TestReport {
	e.logger.Debug("Running OCR test")
	start := time.Now()

	report := &TestReport{Provider: e.config.Provider}

	sample, err := imageproc.SampleImage()
	if err != nil {
		report.Error = ocrerrors.Message(ocrerrors.NewOCRExtractionError(err))
		return report
	}

	extraction, err := e.ExtractText(ctx, sample, ExtractOptions{Format: ocr.FormatJSON, IncludeColors: true})
	if err != nil {
		report.Error = ocrerrors.Message(err)
		report.ProcessingTimeMs = time.Since(start).Milliseconds()
		return report
	}

	report.Success = true
	report.Model = e.config.Model
	report.ElementsFound = len(extraction.Result.Elements)
	report.RawText = extraction.Result.RawText
	report.ProcessingTimeMs = extraction.Result.Metadata.ProcessingTimeMs
	return report
}
