package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the assistant service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LLMProvider  string
	GroqAPIKey   string
	GroqBaseURL  string
	GroqModel    string
	LLMTimeout   time.Duration
	HistoryLimit int

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsVoiceID      string
	ElevenLabsModelID      string
	ElevenLabsOutputFormat string
	TTSTimeout             time.Duration

	VoiceSilenceDelay time.Duration
	VoiceLocale       string

	SupabaseJWTSecret string

	DatabaseURL        string
	DatabaseConnectTry int
}

// Load reads environment variables (after an optional .env file) and applies defaults.
func Load() (Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":5000"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "projecta"),
		AllowAnyOrigin:    false,
		LLMProvider:       envOrDefault("LLM_PROVIDER", "auto"),
		GroqAPIKey:        stringsTrimSpace("GROQ_API_KEY"),
		GroqBaseURL:       envOrDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:         envOrDefault("GROQ_MODEL", "llama-3.3-70b-versatile"),
		LLMTimeout:        60 * time.Second,
		HistoryLimit:      50,
		ElevenLabsAPIKey:  stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		// Soft female voice used by the original deployment.
		ElevenLabsVoiceID:        envOrDefault("ELEVENLABS_VOICE_ID", "Z454IZ827TNOaUaaQSzE"),
		ElevenLabsModelID:        envOrDefault("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsOutputFormat:   envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		TTSTimeout:               20 * time.Second,
		VoiceSilenceDelay:        time.Second,
		VoiceLocale:              envOrDefault("VOICE_LOCALE", "en-US"),
		SupabaseJWTSecret:        stringsTrimSpace("SUPABASE_JWT_SECRET"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		DatabaseConnectTry:       5,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceSilenceDelay, err = durationFromEnv("VOICE_SILENCE_DELAY", cfg.VoiceSilenceDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("CHAT_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseConnectTry, err = intFromEnv("DATABASE_CONNECT_ATTEMPTS", cfg.DatabaseConnectTry)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "auto", "groq", "mock":
	default:
		return Config{}, fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|groq|mock)", cfg.LLMProvider)
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VoiceSilenceDelay < 100*time.Millisecond {
		return Config{}, fmt.Errorf("VOICE_SILENCE_DELAY must be at least 100ms")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("CHAT_HISTORY_LIMIT must be positive")
	}
	if cfg.DatabaseConnectTry <= 0 {
		return Config{}, fmt.Errorf("DATABASE_CONNECT_ATTEMPTS must be positive")
	}

	return cfg, nil
}

// AuthEnabled reports whether bearer tokens are verified.
func (c Config) AuthEnabled() bool {
	return c.SupabaseJWTSecret != ""
}

// TTSEnabled reports whether remote speech synthesis is configured.
func (c Config) TTSEnabled() bool {
	return c.ElevenLabsAPIKey != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
