/**
 * Extraction Engine for the Vision OCR worker
 *
 * Orchestrates a single prompt/parse round trip against a vision model:
 * - Image preparation (resize, normalize, sharpen, JPEG encode)
 * - Prompt construction (JSON schema or plain text, optional colors)
 * - Model invocation with per-attempt timeout and an ordered fallback chain
 * - Tolerant normalization of the reply into an OCRResult
 *
 * Batch and region extraction reuse the single-image pipeline.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/adverant/nexus/vision-ocr/internal/clients"
	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/imageproc"
	"github.com/adverant/nexus/vision-ocr/internal/logging"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/parser"
	"github.com/adverant/nexus/vision-ocr/internal/prompt"
)

const (
	// AgentName identifies the OCR agent persona sent to the model
	AgentName = "VisionOCRAgent"

	agentInput = "Please analyze this image and extract all text with coordinates."

	DefaultTimeout          = 30 * time.Second
	DefaultBatchConcurrency = 3
)

// Pipeline states, logged on every transition
const (
	stateStart         = "START"
	stateImagePrepared = "IMAGE_PREPARED"
	statePromptReady   = "PROMPT_READY"
	stateModelInvoked  = "MODEL_INVOKED"
	stateResultParsed  = "RESULT_PARSED"
	stateFailed        = "FAILED"
)

// ImagePreparer resolves and prepares images for the model
type ImagePreparer interface {
	Prepare(ctx context.Context, input interface{}, opts ocr.ImageOptions) (*ocr.PreparedImage, error)
	Crop(buffer []byte, rect image.Rectangle, quality int) ([]byte, error)
}

// PromptBuilder produces model instructions
type PromptBuilder interface {
	Build(format ocr.Format, opts prompt.Options) string
}

// ResponseNormalizer converts raw model text into an OCRResult
type ResponseNormalizer interface {
	Normalize(raw string, prepared, original ocr.ImageMetadata, start time.Time) *ocr.OCRResult
}

// Config holds engine configuration
type Config struct {
	Provider         string
	APIKey           string
	Model            string // empty selects the provider default
	OllamaBaseURL    string
	Debug            bool
	ImageOptions     ocr.ImageOptions // zero value selects ocr.DefaultImageOptions
	BatchConcurrency int              // <= 0 selects DefaultBatchConcurrency
}

// Dependencies are the engine's collaborators. Nil fields get the standard
// implementations.
type Dependencies struct {
	Preparer   ImagePreparer
	Client     clients.VisionClient
	Prompts    PromptBuilder
	Normalizer ResponseNormalizer
	Logger     *logging.Logger
}

// ExtractOptions tunes a single extraction
type ExtractOptions struct {
	Format        ocr.Format
	IncludeColors bool
	CustomPrompt  string        // replaces the generated prompt when set
	Timeout       time.Duration // per model attempt
}

// DefaultExtractOptions returns JSON output with colors and a 30s timeout
func DefaultExtractOptions() ExtractOptions {
	return ExtractOptions{
		Format:        ocr.FormatJSON,
		IncludeColors: true,
		Timeout:       DefaultTimeout,
	}
}

func (o ExtractOptions) withDefaults() ExtractOptions {
	if o.Format == "" {
		o.Format = ocr.FormatJSON
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// strategy is one way of asking the model; strategies are tried in order
type strategy struct {
	name   string
	invoke func(ctx context.Context, c clients.VisionClient, instructions string, img clients.Attachment) (*clients.CompletionResponse, error)
}

var strategies = []strategy{
	{
		name: "agent",
		invoke: func(ctx context.Context, c clients.VisionClient, instructions string, img clients.Attachment) (*clients.CompletionResponse, error) {
			return c.RunAgent(ctx, clients.Agent{Name: AgentName, SystemPrompt: instructions}, agentInput, img)
		},
	},
	{
		name: "chat",
		invoke: func(ctx context.Context, c clients.VisionClient, instructions string, img clients.Attachment) (*clients.CompletionResponse, error) {
			return c.Chat(ctx, instructions, img)
		},
	},
}

// Engine runs OCR extractions against a vision model
type Engine struct {
	config     Config
	deps       Dependencies
	logger     *logging.Logger
	strategies []strategy
}

// New validates cfg and assembles an engine. Configuration problems are
// reported as CONFIGURATION_ERROR before any network or model call.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.Provider == "" {
		return nil, ocrerrors.NewConfigurationError("provider is required")
	}
	if err := clients.ValidateProvider(cfg.Provider); err != nil {
		return nil, ocrerrors.NewConfigurationError(err.Error())
	}
	if clients.RequiresAPIKey(cfg.Provider) && cfg.APIKey == "" {
		return nil, ocrerrors.NewConfigurationError(
			fmt.Sprintf("API key is required for provider %s", cfg.Provider))
	}

	if cfg.Model == "" {
		cfg.Model = clients.DefaultModel(cfg.Provider)
	}
	if cfg.ImageOptions == (ocr.ImageOptions{}) {
		cfg.ImageOptions = ocr.DefaultImageOptions()
	}
	if err := cfg.ImageOptions.Validate(); err != nil {
		return nil, ocrerrors.NewConfigurationError(err.Error())
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}

	if deps.Logger == nil {
		deps.Logger = logging.NewDebugLogger("VisionOCR", cfg.Debug)
	}
	if deps.Preparer == nil {
		deps.Preparer = imageproc.NewPreparer(nil, deps.Logger)
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewBuilder()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = parser.NewNormalizer(deps.Logger)
	}
	if deps.Client == nil {
		client, err := clients.NewLLMClient(context.Background(), &clients.LLMConfig{
			Provider:      cfg.Provider,
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			OllamaBaseURL: cfg.OllamaBaseURL,
		}, deps.Logger)
		if err != nil {
			return nil, ocrerrors.NewConfigurationError(err.Error())
		}
		deps.Client = client
	}

	deps.Logger.Info("Vision OCR engine initialized",
		"provider", cfg.Provider,
		"model", cfg.Model)

	return &Engine{
		config:     cfg,
		deps:       deps,
		logger:     deps.Logger,
		strategies: strategies,
	}, nil
}

// Provider returns the configured provider name
func (e *Engine) Provider() string { return e.config.Provider }

// Model returns the model in use
func (e *Engine) Model() string { return e.config.Model }

// ExtractText runs the full pipeline on one image. input is a []byte, a local
// path or an http(s) URL. Every failure is an OCR_EXTRACTION_FAILED error
// wrapping the cause.
func (e *Engine) ExtractText(ctx context.Context, input interface{}, opts ExtractOptions) (*ocr.Extraction, error) {
	start := time.Now()
	opts = opts.withDefaults()

	format, err := ocr.ParseFormat(string(opts.Format))
	if err != nil {
		return nil, e.fail(stateStart, err)
	}

	e.logger.Debug("Starting OCR extraction", "state", stateStart, "format", format)

	prepared, err := e.deps.Preparer.Prepare(ctx, input, e.config.ImageOptions)
	if err != nil {
		return nil, e.fail(stateStart, err)
	}
	e.logger.Debug("Image prepared",
		"state", stateImagePrepared,
		"width", prepared.Metadata.Width,
		"height", prepared.Metadata.Height)

	instructions := opts.CustomPrompt
	if instructions == "" {
		instructions = e.deps.Prompts.Build(format, prompt.Options{IncludeColors: opts.IncludeColors})
	}
	e.logger.Debug("Prompt ready", "state", statePromptReady, "promptLength", len(instructions))

	img := clients.Attachment{MimeType: prepared.MimeType(), Data: prepared.Buffer}
	resp, err := e.invokeModel(ctx, instructions, img, opts.Timeout)
	if err != nil {
		return nil, e.fail(statePromptReady, err)
	}
	e.logger.Debug("Model response received",
		"state", stateModelInvoked,
		"responseLength", len(resp.Content))

	if format == ocr.FormatText {
		e.logger.Debug("OCR completed (text format)", "state", stateResultParsed)
		return &ocr.Extraction{Format: ocr.FormatText, Text: strings.TrimSpace(resp.Content)}, nil
	}

	result := e.deps.Normalizer.Normalize(resp.Content, prepared.Metadata, prepared.OriginalMetadata, start)
	e.logger.Debug("OCR completed",
		"state", stateResultParsed,
		"elements", len(result.Elements),
		"processingTime", result.Metadata.ProcessingTimeMs)

	return &ocr.Extraction{Format: ocr.FormatJSON, Result: result}, nil
}

// invokeModel tries each strategy in order, each under its own timeout.
// The first success wins.
func (e *Engine) invokeModel(ctx context.Context, instructions string, img clients.Attachment, timeout time.Duration) (*clients.CompletionResponse, error) {
	attempts := make(map[string]string, len(e.strategies))
	var lastErr error

	for _, s := range e.strategies {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.race(attemptCtx, s, instructions, img)
		expired := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return resp, nil
		}
		if expired && ctx.Err() == nil {
			err = ocrerrors.NewProcessingTimeoutError("", timeout, err)
		}

		attempts[s.name] = err.Error()
		lastErr = err
		e.logger.Debug("Model invocation failed", "strategy", s.name, "error", err)

		// the caller gave up; later strategies would fail the same way
		if ctx.Err() != nil {
			break
		}
	}

	return nil, ocrerrors.NewModelInvocationError(attempts, lastErr)
}

type attemptResult struct {
	resp *clients.CompletionResponse
	err  error
}

// race runs one strategy against ctx. A client that ignores cancellation is
// abandoned when ctx ends and its late reply is dropped.
func (e *Engine) race(ctx context.Context, s strategy, instructions string, img clients.Attachment) (*clients.CompletionResponse, error) {
	done := make(chan attemptResult, 1)
	go func() {
		resp, err := s.invoke(ctx, e.deps.Client, instructions, img)
		done <- attemptResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) fail(state string, err error) error {
	e.logger.Debug("OCR extraction failed", "state", stateFailed, "from", state, "error", err)
	return ocrerrors.NewOCRExtractionError(err)
}
