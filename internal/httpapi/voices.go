package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/projecta/assistant/internal/tts"
	"github.com/projecta/assistant/internal/voice"
)

type synthesizeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if s.speech == nil {
		respondJSON(w, http.StatusOK, tts.VoiceList{Voices: []tts.VoiceSummary{}})
		return
	}
	list, err := s.speech.Voices(r.Context())
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("elevenlabs", "voices").Inc()
		respondError(w, http.StatusBadGateway, "elevenlabs_request_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// handleSynthesize renders assistant text as audio. The browser falls back
// to its own speech synthesizer on any non-2xx response.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.speech == nil || !s.speech.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "tts_unavailable", tts.ErrTTSUnavailable.Error())
		return
	}

	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := voice.CleanSpeechText(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}

	out, err := s.speech.Synthesize(r.Context(), text)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("elevenlabs", "synthesize").Inc()
		respondError(w, http.StatusBadGateway, "tts_failed", err.Error())
		return
	}

	contentType := strings.TrimSpace(out.Format)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}
