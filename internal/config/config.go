// Package config loads voicebridge settings from defaults, an optional config
// file and the environment, in that order of precedence.
//
// Keys map to environment variables by upper-casing and replacing dots with
// underscores: realtime.model is REALTIME_MODEL, openai.api_key is
// OPENAI_API_KEY.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

// DefaultSystemPrompt is the base prompt; {tone_style} is filled from
// prompt.tone_style.
const DefaultSystemPrompt = `You are a warm, attentive voice assistant. Speak in a {tone_style} tone.
Keep answers short and conversational, ask a follow-up question when it helps, and use the
knowledge base when the user asks about facts you are unsure of.`

// Config is the full set of settings.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	TurnDetection TurnDetectionConfig `mapstructure:"turn_detection"`
	Session       SessionConfig       `mapstructure:"session"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Prompt        PromptConfig        `mapstructure:"prompt"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	AllowOrigins string        `mapstructure:"allow_origins"`
	RequestLog   bool          `mapstructure:"request_log"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	RealtimeURL string `mapstructure:"realtime_url"`
}

type RealtimeConfig struct {
	Model              string        `mapstructure:"model"`
	Voice              string        `mapstructure:"voice"`
	Modalities         []string      `mapstructure:"modalities"`
	AudioFormat        string        `mapstructure:"audio_format"`
	Temperature        float64       `mapstructure:"temperature"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
}

type TurnDetectionConfig struct {
	Type            string  `mapstructure:"type"`
	Threshold       float64 `mapstructure:"threshold"`
	SilenceMs       int     `mapstructure:"silence_ms"`
	PrefixPaddingMs int     `mapstructure:"prefix_padding_ms"`
}

type SessionConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout"`
}

type MemoryConfig struct {
	CharLimit     int    `mapstructure:"char_limit"`
	DatabaseURL   string `mapstructure:"database_url"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	SnapshotPath  string `mapstructure:"snapshot_path"`
	SummaryModel  string `mapstructure:"summary_model"`
	SummaryPrompt string `mapstructure:"summary_prompt"`
}

type PromptConfig struct {
	System    string `mapstructure:"system"`
	ToneStyle string `mapstructure:"tone_style"`
}

type KnowledgeConfig struct {
	CorpusPath  string `mapstructure:"corpus_path"`
	TonePath    string `mapstructure:"tone_path"`
	ResultCount int    `mapstructure:"result_count"`
	EmbedModel  string `mapstructure:"embed_model"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8010")
	v.SetDefault("server.allow_origins", "*")
	v.SetDefault("server.request_log", false)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.realtime_url", "wss://api.openai.com/v1/realtime")

	v.SetDefault("realtime.model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("realtime.voice", "alloy")
	v.SetDefault("realtime.modalities", []string{"text", "audio"})
	v.SetDefault("realtime.audio_format", "pcm16")
	v.SetDefault("realtime.temperature", 0.7)
	v.SetDefault("realtime.transcription_model", "whisper-1")
	v.SetDefault("realtime.connect_timeout", 5*time.Second)
	v.SetDefault("realtime.ping_interval", 30*time.Second)

	v.SetDefault("turn_detection.type", "server_vad")
	v.SetDefault("turn_detection.threshold", 0.5)
	v.SetDefault("turn_detection.silence_ms", 200)
	v.SetDefault("turn_detection.prefix_padding_ms", 300)

	v.SetDefault("session.default_strategy", string(strategy.Default))
	v.SetDefault("session.cleanup_timeout", 30*time.Second)

	v.SetDefault("memory.char_limit", memory.DefaultCharLimit)
	v.SetDefault("memory.database_url", "")
	v.SetDefault("memory.auto_migrate", true)
	v.SetDefault("memory.snapshot_path", "")
	v.SetDefault("memory.summary_model", "gpt-4")
	v.SetDefault("memory.summary_prompt", memory.DefaultSummaryPrompt)

	v.SetDefault("prompt.system", DefaultSystemPrompt)
	v.SetDefault("prompt.tone_style", "empathetic")

	v.SetDefault("knowledge.corpus_path", "")
	v.SetDefault("knowledge.tone_path", "")
	v.SetDefault("knowledge.result_count", 5)
	v.SetDefault("knowledge.embed_model", "text-embedding-3-small")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// legacyEnv maps keys to the flat variable names older deployments use.
var legacyEnv = map[string]string{
	"memory.char_limit":      "SESSION_MEMORY_CHAR_LIMIT",
	"memory.summary_model":   "GPT_MODEL",
	"memory.summary_prompt":  "SESSION_SUMMARY_PROMPT",
	"prompt.system":          "SYSTEM_PROMPT",
	"prompt.tone_style":      "TONE_STYLE",
	"realtime.voice":         "REALTIME_VOICE",
	"realtime.temperature":   "TEMPERATURE",
	"knowledge.result_count": "RAG_RESULT_COUNT",
	"knowledge.embed_model":  "EMBED_MODEL",
	"turn_detection.type":    "TURN_DETECTION_TYPE",
	"memory.database_url":    "DATABASE_URL",
}

// New returns a viper instance with defaults and environment bindings but no
// file.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return v
}

// Load reads settings. With an empty path, voicebridge.{toml,yaml,json} is
// looked up in the working directory and is optional; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	v := New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voicebridge")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. It does not require an API key; commands
// that talk to OpenAI check that themselves.
func (c *Config) Validate() error {
	if _, err := strategy.Parse(c.Session.DefaultStrategy); err != nil {
		return fmt.Errorf("config: session.default_strategy: %w", err)
	}
	if c.Memory.CharLimit <= 0 {
		return fmt.Errorf("config: memory.char_limit must be positive, got %d", c.Memory.CharLimit)
	}
	if c.Knowledge.ResultCount <= 0 {
		return fmt.Errorf("config: knowledge.result_count must be positive, got %d", c.Knowledge.ResultCount)
	}
	if c.Realtime.Temperature < 0 || c.Realtime.Temperature > 2 {
		return fmt.Errorf("config: realtime.temperature %.2f out of range [0, 2]", c.Realtime.Temperature)
	}
	if c.TurnDetection.Threshold < 0 || c.TurnDetection.Threshold > 1 {
		return fmt.Errorf("config: turn_detection.threshold %.2f out of range [0, 1]", c.TurnDetection.Threshold)
	}
	if c.Session.CleanupTimeout <= 0 {
		return errors.New("config: session.cleanup_timeout must be positive")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		return errors.New("config: realtime.connect_timeout must be positive")
	}
	if c.Realtime.PingInterval <= 0 {
		return errors.New("config: realtime.ping_interval must be positive")
	}
	return nil
}

// RequireAPIKey reports an error when no OpenAI key is configured.
func (c *Config) RequireAPIKey() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("config: openai.api_key (OPENAI_API_KEY) is required")
	}
	return nil
}
