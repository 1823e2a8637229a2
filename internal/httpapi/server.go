package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/projecta/assistant/internal/auth"
	"github.com/projecta/assistant/internal/config"
	"github.com/projecta/assistant/internal/messages"
	"github.com/projecta/assistant/internal/observability"
	"github.com/projecta/assistant/internal/protocol"
	"github.com/projecta/assistant/internal/session"
	"github.com/projecta/assistant/internal/tts"
	"github.com/projecta/assistant/internal/voice"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// VoiceRunner drives one voice controller per websocket connection.
type VoiceRunner interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	EndSession(sessionID string) bool
}

type ChatService interface {
	List(ctx context.Context, userID string) ([]messages.Message, error)
	Send(ctx context.Context, userID, content string) (messages.Message, error)
	Clear(ctx context.Context, userID string) error
}

type SpeechSynthesizer interface {
	Enabled() bool
	Synthesize(ctx context.Context, text string) (voice.Audio, error)
	Voices(ctx context.Context) (tts.VoiceList, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	voice    VoiceRunner
	chat     ChatService
	speech   SpeechSynthesizer
	metrics  *observability.Metrics
	verifier *auth.Verifier
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, voiceRunner VoiceRunner, chat ChatService, speech SpeechSynthesizer, metrics *observability.Metrics) *Server {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		voice:    voiceRunner,
		chat:     chat,
		speech:   speech,
		metrics:  metrics,
		verifier: auth.NewVerifier(cfg.SupabaseJWTSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))

		r.Get("/api/messages", s.handleListMessages)
		r.Post("/api/messages", s.handleCreateMessage)
		r.Post("/api/messages/clear", s.handleClearMessages)
		r.Post("/api/voice/tts", s.handleSynthesize)

		r.Post("/v1/voice/session", s.handleCreateSession)
		r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
		r.Get("/v1/voice/session/ws", s.handleSessionWS)
		r.Get("/v1/voice/voices", s.handleListVoices)
		r.Get("/v1/perf/latency", s.handlePerfLatency)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	storeMode := "in-memory"
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"auth_enabled":    s.verifier != nil,
		"tts_enabled":     s.speech != nil && s.speech.Enabled(),
		"store_mode":      storeMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Locale) == "" {
		req.Locale = s.cfg.VoiceLocale
	}

	sess := s.sessions.Create(userID(r), strings.TrimSpace(req.Locale))
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Locale:          sess.Locale,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		SilenceDelayMS:  s.cfg.VoiceSilenceDelay.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if !s.ownsSession(w, r, id) {
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.voice != nil {
		s.voice.EndSession(id)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) ownsSession(w http.ResponseWriter, r *http.Request, id string) bool {
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return false
	}
	if sess.UserID != userID(r) {
		respondError(w, http.StatusForbidden, "session_forbidden", "session belongs to another user")
		return false
	}
	return true
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice service not configured")
		return
	}
	if !s.ownsSession(w, r, sessionID) {
		return
	}

	sess, err := s.sessions.Acquire(sessionID)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, session.ErrEnded) {
			status = http.StatusGone
		}
		respondError(w, status, "session_unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer cancel()
		_ = s.voice.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				// Unblock the read loop.
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func userID(r *http.Request) string {
	if id, ok := auth.UserFromContext(r.Context()); ok {
		return id
	}
	return auth.AnonymousUser
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
