package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/projecta/assistant/internal/audio"
	"github.com/projecta/assistant/internal/reliability"
	"github.com/projecta/assistant/internal/voice"
)

// ErrTTSUnavailable is returned when no API key is configured.
var ErrTTSUnavailable = errors.New("remote speech synthesis is not configured")

const (
	maxAttempts  = 2
	retryBase    = 200 * time.Millisecond
	retryCap     = time.Second
	maxAudioSize = 16 << 20
)

type Config struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Timeout      time.Duration
}

// StatusError is a non-2xx response from the synthesis API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elevenlabs status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

// Client calls the ElevenLabs text-to-speech REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.cfg.APIKey) != ""
}

// Synthesize renders text with the configured voice. PCM output is wrapped
// in a WAV container so it plays in a browser audio element.
func (c *Client) Synthesize(ctx context.Context, text string) (voice.Audio, error) {
	if !c.Enabled() {
		return voice.Audio{}, ErrTTSUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return voice.Audio{}, voice.ErrNothingToSpeak
	}

	var data []byte
	err := reliability.Do(ctx, maxAttempts, retryBase, retryCap, func(int) (bool, error) {
		var err error
		data, err = c.synthesizeOnce(ctx, text)
		var statusErr *StatusError
		return errors.As(err, &statusErr) && statusErr.Retryable(), err
	})
	if err != nil {
		return voice.Audio{}, err
	}
	return c.wrap(data)
}

func (c *Client) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(c.cfg.VoiceID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", c.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", audio.MIMEType(c.cfg.OutputFormat))

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("read elevenlabs response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(data) == 0 {
		return nil, errors.New("elevenlabs returned empty audio")
	}
	return data, nil
}

func (c *Client) wrap(data []byte) (voice.Audio, error) {
	if sampleRate, ok := audio.PCMSampleRate(c.cfg.OutputFormat); ok {
		wav, err := audio.EncodeWAVPCM16LE(data, sampleRate)
		if err != nil {
			return voice.Audio{}, err
		}
		return voice.Audio{Data: wav, Format: "audio/wav"}, nil
	}
	return voice.Audio{Data: data, Format: audio.MIMEType(c.cfg.OutputFormat)}, nil
}

type VoiceSummary struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type VoiceList struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []VoiceSummary `json:"voices"`
}

// Voices lists the account's female voices sorted by name.
func (c *Client) Voices(ctx context.Context) (VoiceList, error) {
	out := VoiceList{DefaultVoiceID: c.cfg.VoiceID, Voices: []VoiceSummary{}}
	if !c.Enabled() {
		return out, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/voices", nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return out, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed struct {
		Voices []struct {
			VoiceID  string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return out, fmt.Errorf("decode voices: %w", err)
	}

	for _, v := range parsed.Voices {
		if strings.ToLower(strings.TrimSpace(v.Labels["gender"])) != "female" {
			continue
		}
		item := VoiceSummary{
			VoiceID:  strings.TrimSpace(v.VoiceID),
			Name:     strings.TrimSpace(v.Name),
			Category: strings.TrimSpace(v.Category),
			Labels:   v.Labels,
		}
		if item.VoiceID == "" || item.Name == "" {
			continue
		}
		out.Voices = append(out.Voices, item)
	}
	sort.Slice(out.Voices, func(i, j int) bool {
		return strings.ToLower(out.Voices[i].Name) < strings.ToLower(out.Voices[j].Name)
	})
	return out, nil
}
