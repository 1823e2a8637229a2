package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/projecta/assistant/internal/chat"
	"github.com/projecta/assistant/internal/config"
	"github.com/projecta/assistant/internal/llm"
	"github.com/projecta/assistant/internal/messages"
	"github.com/projecta/assistant/internal/observability"
	"github.com/projecta/assistant/internal/protocol"
	"github.com/projecta/assistant/internal/session"
	"github.com/projecta/assistant/internal/tts"
	"github.com/projecta/assistant/internal/voice"
)

type fakeSpeech struct {
	enabled atomic.Bool
}

func (f *fakeSpeech) Enabled() bool { return f.enabled.Load() }

func (f *fakeSpeech) Synthesize(_ context.Context, text string) (voice.Audio, error) {
	return voice.Audio{Data: []byte("mp3:" + text), Format: "audio/mpeg"}, nil
}

func (f *fakeSpeech) Voices(context.Context) (tts.VoiceList, error) {
	return tts.VoiceList{DefaultVoiceID: "v1", Voices: []tts.VoiceSummary{{VoiceID: "v1", Name: "Sarah"}}}, nil
}

type testEnv struct {
	ts       *httptest.Server
	sessions *session.Manager
	speech   *fakeSpeech
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}
	if cfg.VoiceSilenceDelay == 0 {
		cfg.VoiceSilenceDelay = 100 * time.Millisecond
	}
	if cfg.VoiceLocale == "" {
		cfg.VoiceLocale = "en-US"
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test_httpapi")
	chatSvc := chat.NewService(messages.NewInMemoryStore(), llm.MockCompleter{}, metrics, chat.Options{})
	voiceSvc := voice.NewService(chatSvc.MessagesFor, nil, sessions, metrics, voice.ServiceOptions{
		SilenceDelay: cfg.VoiceSilenceDelay,
		Locale:       cfg.VoiceLocale,
	})
	speech := &fakeSpeech{}
	srv := New(cfg, sessions, voiceSvc, chatSvc, speech, metrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, sessions: sessions, speech: speech}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) createSession(t *testing.T, token string) string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/voice/session", token, map[string]string{"locale": "en-GB"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" || created.Locale != "en-GB" || created.SilenceDelayMS != 100 {
		t.Fatalf("unexpected create response: %+v", created)
	}
	return created.SessionID
}

func signedToken(t *testing.T, secret, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	sessionID := env.createSession(t, "")

	got, err := env.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "anonymous" {
		t.Fatalf("UserID = %q, want anonymous", got.UserID)
	}

	endRes := env.do(t, http.MethodPost, "/v1/voice/session/"+sessionID+"/end", "", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	if missing := env.do(t, http.MethodPost, "/v1/voice/session/nope/end", "", nil); missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestMessagesLifecycle(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res := env.do(t, http.MethodGet, "/api/messages", "", nil)
	var listed []messages.Message
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Role != "assistant" || listed[0].Content != chat.Greeting {
		t.Fatalf("initial list = %+v, want greeting", listed)
	}

	res = env.do(t, http.MethodPost, "/api/messages", "", map[string]string{"content": "hello"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var reply map[string]any
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply["content"] != "I heard you: hello" || reply["role"] != "assistant" || reply["createdAt"] == nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if res := env.do(t, http.MethodPost, "/api/messages", "", map[string]string{"content": "  "}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	if res := env.do(t, http.MethodPost, "/api/messages/clear", "", nil); res.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	res = env.do(t, http.MethodGet, "/api/messages", "", nil)
	listed = nil
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Content != chat.Greeting {
		t.Fatalf("list after clear = %+v, want fresh greeting", listed)
	}
}

func TestAuthScopesMessagesPerUser(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, config.Config{SupabaseJWTSecret: secret})

	if res := env.do(t, http.MethodGet, "/api/messages", "", nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if res := env.do(t, http.MethodGet, "/healthz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	alice := signedToken(t, secret, "alice")
	bob := signedToken(t, secret, "bob")
	if res := env.do(t, http.MethodPost, "/api/messages", alice, map[string]string{"content": "secret plans"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("alice create status = %d", res.StatusCode)
	}

	res := env.do(t, http.MethodGet, "/api/messages", bob, nil)
	var listed []messages.Message
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, m := range listed {
		if strings.Contains(m.Content, "secret plans") {
			t.Fatalf("bob sees alice's message: %+v", listed)
		}
	}

	sessionID := env.createSession(t, alice)
	if res := env.do(t, http.MethodPost, "/v1/voice/session/"+sessionID+"/end", bob, nil); res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign end status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestSynthesizeEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	if res := env.do(t, http.MethodPost, "/api/voice/tts", "", map[string]string{"text": "hi"}); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	env.speech.enabled.Store(true)
	res := env.do(t, http.MethodPost, "/api/voice/tts", "", map[string]string{"text": "**Hello** `world`"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "mp3:Hello world" {
		t.Fatalf("body = %q, want cleaned text audio", body)
	}

	if res := env.do(t, http.MethodPost, "/api/voice/tts", "", map[string]string{"text": "***"}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("markup-only status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListVoicesAndPerf(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res := env.do(t, http.MethodGet, "/v1/voice/voices", "", nil)
	var list tts.VoiceList
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode voices: %v", err)
	}
	if list.DefaultVoiceID != "v1" || len(list.Voices) != 1 {
		t.Fatalf("voices = %+v", list)
	}

	res = env.do(t, http.MethodGet, "/v1/perf/latency", "", nil)
	var rep observability.LatencyReport
	if err := json.NewDecoder(res.Body).Decode(&rep); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	if rep.Window <= 0 {
		t.Fatalf("Window = %d, want > 0", rep.Window)
	}
}

func readUntil[T any](t *testing.T, conn *websocket.Conn, want protocol.MessageType) T {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != want {
			continue
		}
		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", want, err)
		}
		return out
	}
}

func TestVoiceSessionOverWebsocket(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	sessionID := env.createSession(t, "")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	send(map[string]any{"type": "control", "action": "open"})
	start := readUntil[protocol.CaptureStart](t, conn, protocol.TypeCaptureStart)
	if start.Locale != "en-GB" {
		t.Fatalf("capture locale = %q, want en-GB", start.Locale)
	}

	send(map[string]any{"type": "capture_result", "handle": start.Handle, "text": "what time is it", "final": true})
	speak := readUntil[protocol.SpeakLocal](t, conn, protocol.TypeSpeakLocal)
	if speak.Text != "I heard you: what time is it" {
		t.Fatalf("speak_local text = %q", speak.Text)
	}

	send(map[string]any{"type": "bogus"})
	errEvent := readUntil[protocol.ErrorEvent](t, conn, protocol.TypeErrorEvent)
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error_event code = %q, want invalid_client_message", errEvent.Code)
	}

	send(map[string]any{"type": "playback_ended", "handle": speak.Handle})
	restart := readUntil[protocol.CaptureStart](t, conn, protocol.TypeCaptureStart)
	if restart.Handle == start.Handle {
		t.Fatalf("capture handle reused")
	}

	endRes := env.do(t, http.MethodPost, "/v1/voice/session/"+sessionID+"/end", "", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", endRes.StatusCode)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	res := env.do(t, http.MethodGet, "/v1/voice/session/ws?session_id="+sessionID, "", nil)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("ws on ended session status = %d, want %d", res.StatusCode, http.StatusGone)
	}
}

func TestDecodeJSONEmptyAndTruncatedBodies(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantEmpty bool
	}{
		{name: "empty", body: "", wantEmpty: true},
		{name: "truncated", body: `{"content":"hi`, wantEmpty: false},
		{name: "valid", body: `{"content":"hi"}`, wantEmpty: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(tc.body))
			var out createMessageRequest
			err := decodeJSON(req, &out)
			if got := errors.Is(err, errEmptyBody); got != tc.wantEmpty {
				t.Fatalf("decodeJSON(%q) error = %v, empty body = %v, want %v", tc.body, err, got, tc.wantEmpty)
			}
			if tc.name == "truncated" && err == nil {
				t.Fatalf("decodeJSON(%q) expected error", tc.body)
			}
		})
	}
}

func TestCreateMessageRejectsTruncatedJSON(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/messages", strings.NewReader(`{"content":"hel`))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Message != "Invalid request body" {
		t.Fatalf("message = %q, want Invalid request body", body.Message)
	}
}
