package inference

import (
	"log/slog"
	"time"
)

// Config holds the endpoint and model settings.
type Config struct {
	BaseURL string
	APIKey  string

	// Model summarizes session memory; EmbedModel ranks knowledge documents.
	Model      string
	EmbedModel string

	Temperature float64
	Timeout     time.Duration

	MaxRetries int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Option configures a Client.
type Option func(*Config)

// WithBaseURL sets the API base URL, e.g. http://localhost:11434/v1.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithModel sets the chat model used for memory summaries.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithEmbedModel sets the embedding model used by the knowledge index.
func WithEmbedModel(model string) Option {
	return func(c *Config) { c.EmbedModel = model }
}

func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry sets how often 429 and 5xx answers are retried. The delay grows
// linearly with the attempt number.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig targets the public OpenAI API.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4",
		EmbedModel:  "text-embedding-3-small",
		Temperature: 0.3,
		Timeout:     30 * time.Second,
		MaxRetries:  2,
		RetryDelay:  200 * time.Millisecond,
		Logger:      slog.Default(),
	}
}

// Apply applies options in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that at least one model is configured.
func (c *Config) Validate() error {
	if c.Model == "" && c.EmbedModel == "" {
		return ErrNoModel
	}
	return nil
}
