package app

import (
	"context"
	"fmt"

	"github.com/projecta/assistant/internal/chat"
	"github.com/projecta/assistant/internal/config"
	"github.com/projecta/assistant/internal/httpapi"
	"github.com/projecta/assistant/internal/llm"
	"github.com/projecta/assistant/internal/messages"
	"github.com/projecta/assistant/internal/observability"
	"github.com/projecta/assistant/internal/session"
	"github.com/projecta/assistant/internal/tts"
	"github.com/projecta/assistant/internal/voice"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Voice    *voice.Service
	Chat     *chat.Service
	Metrics  *observability.Metrics
	LLM      string

	// Cleanup releases the message store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := messages.NewStore(ctx, cfg.DatabaseURL, cfg.DatabaseConnectTry)
	if err != nil {
		return nil, fmt.Errorf("message store init failed: %w", err)
	}

	completer, err := llm.NewCompleter(llm.Config{
		Mode:    cfg.LLMProvider,
		APIKey:  cfg.GroqAPIKey,
		BaseURL: cfg.GroqBaseURL,
		Model:   cfg.GroqModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm init failed: %w", err)
	}

	chatSvc := chat.NewService(store, completer, metrics, chat.Options{
		HistoryLimit: cfg.HistoryLimit,
		Timeout:      cfg.LLMTimeout,
	})

	speech := tts.NewClient(tts.Config{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		VoiceID:      cfg.ElevenLabsVoiceID,
		ModelID:      cfg.ElevenLabsModelID,
		OutputFormat: cfg.ElevenLabsOutputFormat,
		Timeout:      cfg.TTSTimeout,
	})
	var remote voice.RemoteSynthesizer
	if speech.Enabled() {
		remote = speech
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	voiceSvc := voice.NewService(chatSvc.MessagesFor, remote, sessions, metrics, voice.ServiceOptions{
		SilenceDelay: cfg.VoiceSilenceDelay,
		Locale:       cfg.VoiceLocale,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		voiceSvc.EndSession(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, voiceSvc, chatSvc, speech, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Voice:    voiceSvc,
		Chat:     chatSvc,
		Metrics:  metrics,
		LLM:      completer.Name(),
		Cleanup:  store.Close,
	}, nil
}
