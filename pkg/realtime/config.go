package realtime

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults for the upstream session.
const (
	DefaultURL                = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice              = "alloy"
	DefaultAudioFormat        = "pcm16"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTemperature        = 0.7
	DefaultConnectTimeout     = 5 * time.Second
	DefaultReadTimeout        = 120 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultToolTimeout        = 30 * time.Second
	DefaultQueueSize          = 256
	DefaultResultCount        = 5
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type            string  `json:"type"`
	Threshold       float64 `json:"threshold"`
	SilenceMs       int     `json:"silence_duration_ms"`
	PrefixPaddingMs int     `json:"prefix_padding_ms"`
}

// DefaultTurnDetection returns the server VAD settings the bridge opens with.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:            "server_vad",
		Threshold:       0.5,
		SilenceMs:       200,
		PrefixPaddingMs: 300,
	}
}

// Config holds configuration for one upstream bridge.
type Config struct {
	// APIKey authenticates against the realtime endpoint.
	APIKey string

	// URL is the realtime websocket endpoint, without query.
	URL string

	Model              string
	Voice              string
	Modalities         []string
	AudioFormat        string
	Temperature        float64
	TranscriptionModel string
	TurnDetection      TurnDetection

	// Instructions and ToolChoice are per session.
	Instructions string
	ToolChoice   string

	// ConnectTimeout bounds Connect.
	ConnectTimeout time.Duration

	// ReadTimeout is refreshed on every inbound frame and pong.
	ReadTimeout time.Duration

	WriteTimeout time.Duration
	PingInterval time.Duration

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration

	// QueueSize is the capacity of the inbound event queue.
	QueueSize int

	// ResultCount is the default k for search_knowledge_base.
	ResultCount int

	Logger *slog.Logger
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:                DefaultURL,
		Model:              DefaultModel,
		Voice:              DefaultVoice,
		Modalities:         []string{"text", "audio"},
		AudioFormat:        DefaultAudioFormat,
		Temperature:        DefaultTemperature,
		TranscriptionModel: DefaultTranscriptionModel,
		TurnDetection:      DefaultTurnDetection(),
		ToolChoice:         "auto",
		ConnectTimeout:     DefaultConnectTimeout,
		ReadTimeout:        DefaultReadTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		PingInterval:       DefaultPingInterval,
		ToolTimeout:        DefaultToolTimeout,
		QueueSize:          DefaultQueueSize,
		ResultCount:        DefaultResultCount,
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Clone returns a copy of c with opts applied. The receiver is unchanged.
func (c *Config) Clone(opts ...Option) *Config {
	cp := *c
	cp.Modalities = append([]string(nil), c.Modalities...)
	cp.Apply(opts...)
	return &cp
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Model == "" {
		return ErrMissingModel
	}
	if c.URL == "" {
		return fmt.Errorf("realtime: url is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("realtime: temperature %.2f out of range", c.Temperature)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("realtime: connect timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("realtime: ping interval must be positive")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("realtime: read and write timeouts must be positive")
	}
	return nil
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithURL sets the realtime endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the output voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithModalities sets the response modalities.
func WithModalities(m ...string) Option {
	return func(c *Config) {
		c.Modalities = m
	}
}

// WithAudioFormat sets both input and output audio formats.
func WithAudioFormat(format string) Option {
	return func(c *Config) {
		c.AudioFormat = format
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) {
		c.Temperature = t
	}
}

// WithTranscriptionModel sets the input transcription model.
func WithTranscriptionModel(model string) Option {
	return func(c *Config) {
		c.TranscriptionModel = model
	}
}

// WithTurnDetection sets the VAD configuration.
func WithTurnDetection(td TurnDetection) Option {
	return func(c *Config) {
		c.TurnDetection = td
	}
}

// WithInstructions sets the session instructions.
func WithInstructions(s string) Option {
	return func(c *Config) {
		c.Instructions = s
	}
}

// WithToolChoice sets the initial tool choice directive.
func WithToolChoice(choice string) Option {
	return func(c *Config) {
		c.ToolChoice = choice
	}
}

// WithConnectTimeout sets the connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithPingInterval sets the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithResultCount sets the default knowledge result count.
func WithResultCount(n int) Option {
	return func(c *Config) {
		c.ResultCount = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
