package voice

import (
	"context"
	"errors"
)

var (
	// ErrCapabilityMissing means the runtime has no speech capture support at all.
	ErrCapabilityMissing = errors.New("speech capture not supported")
	// ErrPermissionDenied means the user (or platform policy) refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// CaptureHandle owns one live speech-to-text capture. Stop is a request and must be idempotent.
type CaptureHandle interface {
	ID() string
	Stop()
}

// SpeechCapture acquires speech-to-text capture. Results arrive later as
// EventInterimResult / EventFinalResult / EventCaptureEnded / EventCaptureError
// tagged with the handle ID.
type SpeechCapture interface {
	Start(ctx context.Context) (CaptureHandle, error)
}

// PermissionRequester re-requests microphone access from the platform.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

// Reply is the assistant's answer to one user utterance.
type Reply struct {
	Content string
}

// MessageService turns user text into the assistant's reply text.
type MessageService interface {
	Send(ctx context.Context, text string) (Reply, error)
}

// Audio is a playable audio resource produced by remote synthesis.
type Audio struct {
	Data   []byte
	Format string
}

// RemoteSynthesizer is the high-quality network text-to-speech service.
type RemoteSynthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// PlaybackHandle owns one audio output (remote audio clip or local utterance).
// Completion is reported through EventPlaybackStarted / EventPlaybackEnded / EventPlaybackError.
type PlaybackHandle interface {
	ID() string
	Stop()
}

// AudioPlayer plays a single audio resource to completion.
type AudioPlayer interface {
	Play(ctx context.Context, audio Audio) (PlaybackHandle, error)
}

// LocalVoice describes a voice offered by the on-device synthesizer.
type LocalVoice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// LocalSynthesizer is the built-in fallback synthesizer of the runtime.
type LocalSynthesizer interface {
	Voices() []LocalVoice
	Speak(ctx context.Context, text string, voice *LocalVoice) (PlaybackHandle, error)
}
