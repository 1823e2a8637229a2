package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNothingToSpeak is returned when a reply is empty after markup cleanup.
var ErrNothingToSpeak = errors.New("nothing to speak")

// SynthesisKind tags the outcome of SynthesizeWithFallback.
type SynthesisKind string

const (
	// SynthesisRemote carries audio from the remote synthesizer.
	SynthesisRemote SynthesisKind = "remote"
	// SynthesisFallback tells the caller to speak the text with the local synthesizer.
	SynthesisFallback SynthesisKind = "fallback"
	// SynthesisFailed means neither path is usable.
	SynthesisFailed SynthesisKind = "failed"
)

// SynthesisResult is the tagged result of one synthesis attempt.
type SynthesisResult struct {
	Kind SynthesisKind
	// Text is the cleaned text both paths speak.
	Text  string
	Audio Audio
	// RemoteErr is the remote failure that caused a fallback, if any.
	RemoteErr error
	Err       error
}

// Synthesizer applies the two-tier synthesis policy: remote first, then the
// runtime's local synthesizer.
type Synthesizer struct {
	Remote RemoteSynthesizer
	Local  LocalSynthesizer
}

// SynthesizeWithFallback cleans text and tries the remote synthesizer. Any
// remote failure downgrades to SynthesisFallback when a local synthesizer exists.
func (s Synthesizer) SynthesizeWithFallback(ctx context.Context, text string) SynthesisResult {
	cleaned := CleanSpeechText(text)
	if cleaned == "" {
		return SynthesisResult{Kind: SynthesisFailed, Err: ErrNothingToSpeak}
	}

	var remoteErr error
	if s.Remote == nil {
		remoteErr = errors.New("remote synthesizer not configured")
	} else {
		audio, err := s.Remote.Synthesize(ctx, cleaned)
		switch {
		case err != nil:
			remoteErr = err
		case len(audio.Data) == 0:
			remoteErr = errors.New("remote synthesizer returned no audio")
		default:
			return SynthesisResult{Kind: SynthesisRemote, Text: cleaned, Audio: audio}
		}
	}

	if s.Local != nil {
		return SynthesisResult{Kind: SynthesisFallback, Text: cleaned, RemoteErr: remoteErr}
	}
	return SynthesisResult{
		Kind:      SynthesisFailed,
		Text:      cleaned,
		RemoteErr: remoteErr,
		Err:       fmt.Errorf("no local synthesizer: %w", remoteErr),
	}
}

var preferredVoiceNames = []string{"zira", "google us english", "samantha"}

// SelectVoice picks the local voice to speak with: a named high-quality female
// voice, then any voice labelled female, then any voice for locale. It returns
// nil when nothing matches and the platform default should be used.
func SelectVoice(voices []LocalVoice, locale string) *LocalVoice {
	for _, want := range preferredVoiceNames {
		for i := range voices {
			if strings.Contains(strings.ToLower(voices[i].Name), want) {
				return &voices[i]
			}
		}
	}
	for i := range voices {
		if strings.Contains(strings.ToLower(voices[i].Name), "female") {
			return &voices[i]
		}
	}
	locale = normalizeLocale(locale)
	if locale == "" {
		return nil
	}
	for i := range voices {
		if normalizeLocale(voices[i].Lang) == locale {
			return &voices[i]
		}
	}
	return nil
}

func normalizeLocale(v string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(v), "_", "-"))
}
