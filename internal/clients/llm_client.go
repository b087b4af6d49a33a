/**
 * LLM Client - Vision model access through langchaingo
 *
 * Wraps a langchaingo llms.Model for the configured provider and exposes the
 * two invocation styles used by the extraction engine:
 * - RunAgent: a named agent whose instructions travel as the system message
 * - Chat: a single human message carrying the instructions and the image
 *
 * OpenAI-compatible providers (openai, openrouter) receive the image as a
 * data URI; gemini and ollama receive raw bytes.
 */

package clients

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/adverant/nexus/vision-ocr/internal/logging"
)

const defaultTemperature = 0.1

// VisionClient sends an image plus instructions to a vision model
type VisionClient interface {
	RunAgent(ctx context.Context, agent Agent, input string, img Attachment) (*CompletionResponse, error)
	Chat(ctx context.Context, message string, img Attachment) (*CompletionResponse, error)
}

// Agent is a named model persona with fixed instructions
type Agent struct {
	Name         string
	SystemPrompt string
}

// Attachment is an encoded image sent alongside a message
type Attachment struct {
	MimeType string
	Data     []byte
}

// DataURI returns the attachment as a base64 data URI
func (a Attachment) DataURI() string {
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// CompletionResponse is the text returned by the model
type CompletionResponse struct {
	Content        string
	Model          string
	ProcessingTime int64 // milliseconds
}

// LLMConfig selects and authenticates a provider
type LLMConfig struct {
	Provider      string
	APIKey        string
	Model         string
	OllamaBaseURL string
	Temperature   float64
}

// LLMClient implements VisionClient over a langchaingo model
type LLMClient struct {
	provider    string
	model       string
	llm         llms.Model
	temperature float64
	logger      *logging.Logger
}

// NewLLMClient creates the langchaingo model for cfg.Provider.
// No network call is made here.
func NewLLMClient(ctx context.Context, cfg *LLMConfig, logger *logging.Logger) (*LLMClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := ValidateProvider(cfg.Provider); err != nil {
		return nil, err
	}
	if RequiresAPIKey(cfg.Provider) && cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %s", cfg.Provider)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel(cfg.Provider)
	}

	var (
		llm llms.Model
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithToken(cfg.APIKey),
		)
	case ProviderOpenRouter:
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(OpenRouterBaseURL),
		)
	case ProviderGemini:
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(model),
		)
	case ProviderOllama:
		baseURL := cfg.OllamaBaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		llm, err = ollama.New(
			ollama.WithModel(model),
			ollama.WithServerURL(baseURL),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	return NewLLMClientFromModel(cfg.Provider, model, llm, cfg.Temperature, logger), nil
}

// NewLLMClientFromModel wraps an already constructed langchaingo model.
// A temperature of zero selects the default of 0.1.
func NewLLMClientFromModel(provider, model string, llm llms.Model, temperature float64, logger *logging.Logger) *LLMClient {
	if temperature == 0 {
		temperature = defaultTemperature
	}
	if logger == nil {
		logger = logging.NewDebugLogger("LLMClient", false)
	}
	return &LLMClient{
		provider:    provider,
		model:       model,
		llm:         llm,
		temperature: temperature,
		logger:      logger.With("provider", provider, "model", model),
	}
}

// Provider returns the configured provider name
func (c *LLMClient) Provider() string { return c.provider }

// Model returns the configured model name
func (c *LLMClient) Model() string { return c.model }

// RunAgent sends agent.SystemPrompt as the system message and input plus the
// image as the human message.
func (c *LLMClient) RunAgent(ctx context.Context, agent Agent, input string, img Attachment) (*CompletionResponse, error) {
	c.logger.Debug("Running vision agent", "agent", agent.Name, "imageSize", len(img.Data))

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(agent.SystemPrompt)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(input), c.imagePart(img)},
		},
	}
	return c.generate(ctx, messages)
}

// Chat sends message and the image as a single human message
func (c *LLMClient) Chat(ctx context.Context, message string, img Attachment) (*CompletionResponse, error) {
	c.logger.Debug("Sending vision chat", "imageSize", len(img.Data))

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(message), c.imagePart(img)},
		},
	}
	return c.generate(ctx, messages)
}

func (c *LLMClient) imagePart(img Attachment) llms.ContentPart {
	switch c.provider {
	case ProviderOpenAI, ProviderOpenRouter:
		return llms.ImageURLPart(img.DataURI())
	default:
		return llms.BinaryPart(img.MimeType, img.Data)
	}
}

func (c *LLMClient) generate(ctx context.Context, messages []llms.MessageContent) (*CompletionResponse, error) {
	start := time.Now()

	completion, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.provider, err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.provider)
	}

	// a blank reply is a valid answer for an image without text
	content := completion.Choices[0].Content

	elapsed := time.Since(start).Milliseconds()
	c.logger.Debug("Model response received",
		"responseLength", len(content),
		"processingTime", elapsed)

	return &CompletionResponse{
		Content:        content,
		Model:          c.model,
		ProcessingTime: elapsed,
	}, nil
}
