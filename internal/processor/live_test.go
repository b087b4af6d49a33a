package processor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/vision-ocr/internal/clients"
	"github.com/adverant/nexus/vision-ocr/internal/imageproc"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

// liveEngine builds an engine against a real provider. Set OCR_LIVE_PROVIDER
// (and OCR_API_KEY unless the provider is ollama) to run these tests.
func liveEngine(t *testing.T) *Engine {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping live provider test in short mode")
	}

	provider := os.Getenv("OCR_LIVE_PROVIDER")
	if provider == "" {
		t.Skip("OCR_LIVE_PROVIDER not set")
	}
	apiKey := os.Getenv("OCR_API_KEY")
	if clients.RequiresAPIKey(provider) && apiKey == "" {
		t.Skipf("OCR_API_KEY not set for provider %s", provider)
	}

	engine, err := New(Config{
		Provider:      provider,
		APIKey:        apiKey,
		Model:         os.Getenv("OCR_MODEL"),
		OllamaBaseURL: os.Getenv("OLLAMA_BASE_URL"),
	}, Dependencies{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return engine
}

func TestLiveSelfTest(t *testing.T) {
	engine := liveEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report := engine.Test(ctx)
	if !report.Success {
		t.Fatalf("Test() failed: %s", report.Error)
	}
	if report.ElementsFound == 0 {
		t.Errorf("no elements found")
	}

	t.Logf("Model: %s", report.Model)
	t.Logf("Elements: %d", report.ElementsFound)
	t.Logf("Processing time: %dms", report.ProcessingTimeMs)
}

func TestLiveSampleTextRecall(t *testing.T) {
	engine := liveEngine(t)

	sample, err := imageproc.SampleImage()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	extraction, err := engine.ExtractText(ctx, sample, ExtractOptions{Format: ocr.FormatText})
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}

	text := strings.ToLower(extraction.Text)
	found := 0
	for _, line := range imageproc.SampleLines {
		if strings.Contains(text, strings.ToLower(line.Text)) {
			found++
		}
	}
	recall := float64(found) / float64(len(imageproc.SampleLines))

	// Synthetic bitmap text should be read almost perfectly
	if recall < 0.66 {
		t.Errorf("line recall %.2f below 0.66; got %q", recall, extraction.Text)
	}
	t.Logf("Line recall: %.2f", recall)
}
