package voice

// State is the phase of a voice session.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// ErrorReason explains why a session is in StateError.
type ErrorReason string

const (
	ReasonNone              ErrorReason = ""
	ReasonCapabilityMissing ErrorReason = "capability_missing"
	ReasonPermissionDenied  ErrorReason = "permission_denied"
	ReasonServiceFailure    ErrorReason = "network_or_service_failure"
)

// Retryable reports whether a retry action can plausibly succeed without a different runtime.
func (r ErrorReason) Retryable() bool {
	return r == ReasonPermissionDenied || r == ReasonServiceFailure
}

const (
	msgCapabilityMissing = "Your browser does not support voice recognition. Try Chrome."
	msgPermissionDenied  = "Microphone access denied. Please allow access."
	msgPermissionStill   = "Permission still denied. Check browser settings."
	msgCaptureFailed     = "Voice recognition failed."
)

// CaptureErrorKind classifies speech capture errors.
type CaptureErrorKind string

const (
	CaptureNoSpeech         CaptureErrorKind = "no_speech"
	CapturePermissionDenied CaptureErrorKind = "permission_denied"
	CaptureOther            CaptureErrorKind = "other"
	// CaptureUnsupported is reported by runtimes that discover missing
	// recognition support only after a start request.
	CaptureUnsupported CaptureErrorKind = "unsupported"
)

// EventType identifies collaborator events delivered to a Controller.
type EventType string

const (
	EventCaptureStarted  EventType = "capture_started"
	EventInterimResult   EventType = "interim_result"
	EventFinalResult     EventType = "final_result"
	EventCaptureEnded    EventType = "capture_ended"
	EventCaptureError    EventType = "capture_error"
	EventPlaybackStarted EventType = "playback_started"
	EventPlaybackEnded   EventType = "playback_ended"
	EventPlaybackError   EventType = "playback_error"
)

// Event is a capture or playback notification. Handle names the capture or
// playback handle the event belongs to; events for released handles are ignored.
type Event struct {
	Type   EventType
	Handle string
	Text   string
	Kind   CaptureErrorKind
	Detail string
}

// Snapshot is the observable state of a voice session.
type Snapshot struct {
	State      State       `json:"state"`
	Open       bool        `json:"open"`
	Reason     ErrorReason `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Transcript string      `json:"transcript"`
	Response   string      `json:"response"`
	// Displayed is true once playback of Response has started.
	Displayed bool   `json:"displayed"`
	Turn      uint64 `json:"turn"`
	Capturing bool   `json:"capturing"`
	Playing   bool   `json:"playing"`
}
