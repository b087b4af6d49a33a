package clients

import (
	"fmt"
	"strings"
)

// Supported provider names
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderOllama     = "ollama"
)

const (
	OpenRouterBaseURL    = "https://openrouter.ai/api/v1"
	DefaultOllamaBaseURL = "http://localhost:11434"
)

var defaultModels = map[string]string{
	ProviderOpenRouter: "google/gemini-2.0-flash-exp:free",
	ProviderOpenAI:     "gpt-4o-mini",
	ProviderGemini:     "gemini-2.0-flash-exp",
	ProviderOllama:     "llava",
}

var availableModels = map[string][]string{
	ProviderOpenRouter: {
		"google/gemini-2.0-flash-exp:free",
		"anthropic/claude-3-sonnet",
		"openai/gpt-4o-mini",
		"meta-llama/llama-3.2-90b-vision-instruct",
	},
	ProviderOpenAI: {
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	},
	ProviderGemini: {
		"gemini-2.0-flash-exp",
		"gemini-1.5-pro",
		"gemini-1.5-flash",
	},
	ProviderOllama: {
		"llava",
		"llava:13b",
		"llava:34b",
		"bakllava",
	},
}

// Providers returns the supported provider names in a stable order
func Providers() []string {
	return []string{ProviderOpenRouter, ProviderOpenAI, ProviderGemini, ProviderOllama}
}

// ValidateProvider checks that provider is supported
func ValidateProvider(provider string) error {
	if _, ok := defaultModels[provider]; !ok {
		return fmt.Errorf("unsupported provider %q (supported: %s)", provider, strings.Join(Providers(), ", "))
	}
	return nil
}

// RequiresAPIKey reports whether provider needs credentials
func RequiresAPIKey(provider string) bool {
	return provider != ProviderOllama
}

// DefaultModel returns the model used when none is configured
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// AvailableModels returns a copy of the known vision models for provider.
// Unknown providers yield an empty list.
func AvailableModels(provider string) []string {
	models := availableModels[provider]
	out := make([]string, len(models))
	copy(out, models)
	return out
}
