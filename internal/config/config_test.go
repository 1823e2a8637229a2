package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":5000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":5000")
	}
	if cfg.LLMProvider != "auto" {
		t.Fatalf("LLMProvider = %q, want %q", cfg.LLMProvider, "auto")
	}
	if cfg.GroqModel != "llama-3.3-70b-versatile" {
		t.Fatalf("GroqModel = %q, want default", cfg.GroqModel)
	}
	if cfg.VoiceSilenceDelay != time.Second {
		t.Fatalf("VoiceSilenceDelay = %v, want 1s", cfg.VoiceSilenceDelay)
	}
	if cfg.AuthEnabled() {
		t.Fatalf("AuthEnabled() = true, want false without secret")
	}
	if cfg.TTSEnabled() {
		t.Fatalf("TTSEnabled() = true, want false without key")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("VOICE_SILENCE_DELAY", "1500ms")
	t.Setenv("SUPABASE_JWT_SECRET", " secret ")
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.BindAddr)
	}
	if cfg.VoiceSilenceDelay != 1500*time.Millisecond {
		t.Fatalf("VoiceSilenceDelay = %v, want 1.5s", cfg.VoiceSilenceDelay)
	}
	if cfg.SupabaseJWTSecret != "secret" {
		t.Fatalf("SupabaseJWTSecret = %q, want trimmed value", cfg.SupabaseJWTSecret)
	}
	if !cfg.AuthEnabled() || !cfg.TTSEnabled() || !cfg.AllowAnyOrigin {
		t.Fatalf("expected auth, tts and any-origin enabled: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"LLM_PROVIDER", "cerebras"},
		{"VOICE_SILENCE_DELAY", "10ms"},
		{"APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"CHAT_HISTORY_LIMIT", "0"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"LLM_TIMEOUT", "soon"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LLM_PROVIDER",
		"LLM_TIMEOUT",
		"GROQ_API_KEY",
		"GROQ_BASE_URL",
		"GROQ_MODEL",
		"CHAT_HISTORY_LIMIT",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_VOICE_ID",
		"ELEVENLABS_MODEL_ID",
		"ELEVENLABS_OUTPUT_FORMAT",
		"TTS_TIMEOUT",
		"VOICE_SILENCE_DELAY",
		"VOICE_LOCALE",
		"SUPABASE_JWT_SECRET",
		"DATABASE_URL",
		"DATABASE_CONNECT_ATTEMPTS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
