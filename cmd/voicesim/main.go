package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projecta/assistant/internal/protocol"
)

type options struct {
	baseURL     string
	token       string
	locale      string
	turns       int
	wordDelay   time.Duration
	turnTimeout time.Duration
	useSilence  bool
	texts       []string
	verbose     bool
}

type createSessionResponse struct {
	SessionID      string `json:"session_id"`
	SilenceDelayMS int64  `json:"silence_delay_ms"`
}

type inbound struct {
	env protocol.Envelope
	raw []byte
}

var defaultUtterances = []string{
	"what can you help me with",
	"give me one tip for focus",
	"tell me a short fun fact",
}

var browserVoices = []protocol.Voice{
	{Name: "Microsoft Zira - English (United States)", Lang: "en-US"},
	{Name: "Google UK English Male", Lang: "en-GB"},
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicesim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voicesim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var wordDelayMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:5000", "server base URL")
	flag.StringVar(&cfg.token, "token", os.Getenv("PROJECTA_TOKEN"), "bearer token when auth is enabled")
	flag.StringVar(&cfg.locale, "locale", "en-US", "capture locale")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to simulate")
	flag.IntVar(&wordDelayMS, "word-delay-ms", 120, "delay between interim results in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for the assistant per turn in milliseconds")
	flag.BoolVar(&cfg.useSilence, "silence", false, "end turns via the silence timer instead of a final result")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if wordDelayMS < 0 {
		wordDelayMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.wordDelay = time.Duration(wordDelayMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	texts, err := splitTexts(textsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.texts = texts
	return cfg, nil
}

func splitTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg, created.SessionID)
	}()
	if cfg.verbose {
		fmt.Printf("voicesim: session=%s turns=%d silence_delay=%dms\n", created.SessionID, cfg.turns, created.SilenceDelayMS)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, created.SessionID, cfg.token)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgs := make(chan inbound, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, msgs, readErrCh)

	if err := conn.WriteJSON(protocol.Voices{Type: protocol.TypeVoices, Voices: browserVoices}); err != nil {
		return err
	}
	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionOpen}); err != nil {
		return err
	}

	sim := &simulator{cfg: cfg, conn: conn, msgs: msgs, readErr: readErrCh}
	var latencies []time.Duration
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("voicesim: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		d, err := sim.turn(text)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		latencies = append(latencies, d)
	}

	_ = conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionClose})
	if cfg.verbose {
		p50, worst := summarize(latencies)
		fmt.Printf("voicesim: completed turns=%d speech_to_audio_p50=%s max=%s\n", len(latencies), p50, worst)
	}
	return nil
}

type simulator struct {
	cfg     options
	conn    *websocket.Conn
	msgs    <-chan inbound
	readErr <-chan error
}

// turn speaks text into the current capture and plays back the reply. It
// returns the time from end of speech to the audio command.
func (s *simulator) turn(text string) (time.Duration, error) {
	var start protocol.CaptureStart
	if err := s.await(protocol.TypeCaptureStart, &start); err != nil {
		return 0, err
	}
	if err := s.conn.WriteJSON(protocol.CaptureStarted{Type: protocol.TypeCaptureStarted, Handle: start.Handle}); err != nil {
		return 0, err
	}

	for _, partial := range interimPrefixes(text) {
		msg := protocol.CaptureResult{Type: protocol.TypeCaptureResult, Handle: start.Handle, Text: partial}
		if err := s.conn.WriteJSON(msg); err != nil {
			return 0, err
		}
		time.Sleep(s.cfg.wordDelay)
	}
	spokeAt := time.Now()
	if !s.cfg.useSilence {
		final := protocol.CaptureResult{Type: protocol.TypeCaptureResult, Handle: start.Handle, Text: text, Final: true}
		if err := s.conn.WriteJSON(final); err != nil {
			return 0, err
		}
	}

	handle, kind, err := s.awaitAudio()
	if err != nil {
		return 0, err
	}
	latency := time.Since(spokeAt)
	if s.cfg.verbose {
		fmt.Printf("voicesim: %s handle=%s after %s\n", kind, handle, latency.Round(time.Millisecond))
	}

	if err := s.conn.WriteJSON(protocol.PlaybackEvent{Type: protocol.TypePlaybackStarted, Handle: handle}); err != nil {
		return 0, err
	}
	if err := s.conn.WriteJSON(protocol.PlaybackEvent{Type: protocol.TypePlaybackEnded, Handle: handle}); err != nil {
		return 0, err
	}
	return latency, nil
}

func (s *simulator) awaitAudio() (string, protocol.MessageType, error) {
	timer := time.NewTimer(s.cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-s.msgs:
			switch msg.env.Type {
			case protocol.TypePlayAudio:
				var play protocol.PlayAudio
				if err := json.Unmarshal(msg.raw, &play); err != nil {
					return "", "", err
				}
				return play.Handle, msg.env.Type, nil
			case protocol.TypeSpeakLocal:
				var speak protocol.SpeakLocal
				if err := json.Unmarshal(msg.raw, &speak); err != nil {
					return "", "", err
				}
				if s.cfg.verbose {
					fmt.Printf("voicesim: assistant: %s\n", speak.Text)
				}
				return speak.Handle, msg.env.Type, nil
			default:
				if err := s.check(msg); err != nil {
					return "", "", err
				}
			}
		case err := <-s.readErr:
			return "", "", fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return "", "", fmt.Errorf("timeout after %s waiting for audio", s.cfg.turnTimeout)
		}
	}
}

func (s *simulator) await(want protocol.MessageType, out any) error {
	timer := time.NewTimer(s.cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-s.msgs:
			if msg.env.Type == want {
				return json.Unmarshal(msg.raw, out)
			}
			if err := s.check(msg); err != nil {
				return err
			}
		case err := <-s.readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timeout after %s waiting for %s", s.cfg.turnTimeout, want)
		}
	}
}

// check fails the run when the session reports an error.
func (s *simulator) check(msg inbound) error {
	if msg.env.Type != protocol.TypeErrorEvent {
		return nil
	}
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(msg.raw, &ev); err != nil {
		return err
	}
	return fmt.Errorf("error_event code=%s detail=%s", ev.Code, ev.Detail)
}

func interimPrefixes(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i := range words {
		out = append(out, strings.Join(words[:i+1], " "))
	}
	return out
}

func summarize(latencies []time.Duration) (p50, worst time.Duration) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2], sorted[len(sorted)-1]
}

func createSession(ctx context.Context, client *http.Client, cfg options) (createSessionResponse, error) {
	payload, err := json.Marshal(map[string]string{"locale": cfg.locale})
	if err != nil {
		return createSessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return createSessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, cfg.token)

	res, err := client.Do(req)
	if err != nil {
		return createSessionResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return createSessionResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return createSessionResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return createSessionResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return createSessionResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, cfg options, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	setAuth(req, cfg.token)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func setAuth(req *http.Request, token string) {
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
}

func wsURLForSession(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	if strings.TrimSpace(token) != "" {
		q.Set("access_token", strings.TrimSpace(token))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out chan<- inbound, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		out <- inbound{env: env, raw: data}
	}
}
