/**
 * Configuration for the Vision OCR service
 *
 * Values come from environment variables (a .env file is loaded by the
 * commands) and, optionally, a config.yaml in the working directory.
 * Environment variables win over the file.
 */

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/adverant/nexus/vision-ocr/internal/clients"
	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
)

// Config holds service configuration
type Config struct {
	// Vision provider
	Provider      string
	APIKey        string
	Model         string
	OllamaBaseURL string
	Debug         bool

	// Image preparation
	Image ocr.ImageOptions

	// Extraction
	Timeout          time.Duration // per model attempt
	BatchConcurrency int

	// Redis configuration (queue and result cache)
	RedisURL  string
	QueueName string
	ResultTTL time.Duration

	// PostgreSQL configuration
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout time.Duration

	// HTTP server
	HTTPAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("OCR_PROVIDER", clients.ProviderOpenRouter)
	v.SetDefault("OLLAMA_BASE_URL", clients.DefaultOllamaBaseURL)
	v.SetDefault("OCR_DEBUG", false)

	d := ocr.DefaultImageOptions()
	v.SetDefault("IMAGE_MAX_WIDTH", d.MaxWidth)
	v.SetDefault("IMAGE_MAX_HEIGHT", d.MaxHeight)
	v.SetDefault("IMAGE_QUALITY", d.Quality)
	v.SetDefault("IMAGE_SHARPEN", d.Sharpen)
	v.SetDefault("IMAGE_NORMALIZE", d.Normalize)

	v.SetDefault("OCR_TIMEOUT_MS", processor.DefaultTimeout.Milliseconds())
	v.SetDefault("BATCH_CONCURRENCY", processor.DefaultBatchConcurrency)

	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("QUEUE_NAME", "ocr")
	v.SetDefault("RESULT_TTL_SECONDS", 86400) // 24 hours

	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("PROCESSING_TIMEOUT", 300000) // 5 minutes

	v.SetDefault("HTTP_ADDR", ":3000")
}

// LoadConfig loads configuration from the environment and ./config.yaml
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".")
}

// LoadConfigFrom loads configuration from the environment and an optional
// config.yaml found in dir.
func LoadConfigFrom(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, ocrerrors.NewConfigurationError(fmt.Sprintf("failed to read config file: %v", err))
		}
	}
	v.AutomaticEnv()

	provider := strings.ToLower(strings.TrimSpace(v.GetString("OCR_PROVIDER")))
	apiKey := v.GetString("OCR_API_KEY")
	if apiKey == "" && provider != "" {
		apiKey = v.GetString(strings.ToUpper(provider) + "_API_KEY")
	}

	cfg := &Config{
		Provider:      provider,
		APIKey:        apiKey,
		Model:         v.GetString("OCR_MODEL"),
		OllamaBaseURL: v.GetString("OLLAMA_BASE_URL"),
		Debug:         v.GetBool("OCR_DEBUG"),
		Image: ocr.ImageOptions{
			MaxWidth:  v.GetInt("IMAGE_MAX_WIDTH"),
			MaxHeight: v.GetInt("IMAGE_MAX_HEIGHT"),
			Quality:   v.GetInt("IMAGE_QUALITY"),
			Sharpen:   v.GetBool("IMAGE_SHARPEN"),
			Normalize: v.GetBool("IMAGE_NORMALIZE"),
		},
		Timeout:           time.Duration(v.GetInt64("OCR_TIMEOUT_MS")) * time.Millisecond,
		BatchConcurrency:  v.GetInt("BATCH_CONCURRENCY"),
		RedisURL:          v.GetString("REDIS_URL"),
		QueueName:         v.GetString("QUEUE_NAME"),
		ResultTTL:         time.Duration(v.GetInt64("RESULT_TTL_SECONDS")) * time.Second,
		DatabaseURL:       v.GetString("DATABASE_URL"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		ProcessingTimeout: time.Duration(v.GetInt64("PROCESSING_TIMEOUT")) * time.Millisecond,
		HTTPAddr:          v.GetString("HTTP_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := clients.ValidateProvider(c.Provider); err != nil {
		return ocrerrors.NewConfigurationError(fmt.Sprintf("OCR_PROVIDER: %v", err))
	}

	if clients.RequiresAPIKey(c.Provider) && c.APIKey == "" {
		return ocrerrors.NewConfigurationError(fmt.Sprintf(
			"OCR_API_KEY (or %s_API_KEY) is required for provider %s", strings.ToUpper(c.Provider), c.Provider))
	}

	if err := c.Image.Validate(); err != nil {
		return ocrerrors.NewConfigurationError(err.Error())
	}

	if c.Timeout <= 0 {
		return ocrerrors.NewConfigurationError(fmt.Sprintf("OCR_TIMEOUT_MS must be positive, got %v", c.Timeout))
	}

	if c.BatchConcurrency < 1 || c.BatchConcurrency > 32 {
		return ocrerrors.NewConfigurationError(fmt.Sprintf("BATCH_CONCURRENCY must be between 1 and 32, got %d", c.BatchConcurrency))
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return ocrerrors.NewConfigurationError(fmt.Sprintf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency))
	}

	if c.ResultTTL <= 0 {
		return ocrerrors.NewConfigurationError(fmt.Sprintf("RESULT_TTL_SECONDS must be positive, got %v", c.ResultTTL))
	}

	return nil
}

// ValidateWorker additionally requires the backing stores used by the worker
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return ocrerrors.NewConfigurationError("REDIS_URL is required")
	}
	if c.DatabaseURL == "" {
		return ocrerrors.NewConfigurationError("DATABASE_URL is required")
	}
	return nil
}

// EngineConfig returns the extraction engine settings
func (c *Config) EngineConfig() processor.Config {
	return processor.Config{
		Provider:         c.Provider,
		APIKey:           c.APIKey,
		Model:            c.Model,
		OllamaBaseURL:    c.OllamaBaseURL,
		Debug:            c.Debug,
		ImageOptions:     c.Image,
		BatchConcurrency: c.BatchConcurrency,
	}
}

// ExtractOptions returns the default per-request extraction options
func (c *Config) ExtractOptions() processor.ExtractOptions {
	opts := processor.DefaultExtractOptions()
	opts.Timeout = c.Timeout
	return opts
}
