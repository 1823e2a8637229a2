package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client (browser device bridge) to server.
const (
	TypeClientControl      MessageType = "control"
	TypeCaptureStarted     MessageType = "capture_started"
	TypeCaptureResult      MessageType = "capture_result"
	TypeCaptureEnd         MessageType = "capture_end"
	TypeCaptureError       MessageType = "capture_error"
	TypeCaptureUnsupported MessageType = "capture_unsupported"
	TypePermissionResult   MessageType = "permission_result"
	TypePlaybackStarted    MessageType = "playback_started"
	TypePlaybackEnded      MessageType = "playback_ended"
	TypePlaybackError      MessageType = "playback_error"
	TypeVoices             MessageType = "voices"
)

// Server to client.
const (
	TypeState             MessageType = "state"
	TypeCaptureStart      MessageType = "capture_start"
	TypeCaptureStop       MessageType = "capture_stop"
	TypePermissionRequest MessageType = "permission_request"
	TypePlayAudio         MessageType = "play_audio"
	TypeSpeakLocal        MessageType = "speak_local"
	TypeStopPlayback      MessageType = "stop_playback"
	TypeErrorEvent        MessageType = "error_event"
)

// Control actions carried by ClientControl.
const (
	ActionOpen   = "open"
	ActionClose  = "close"
	ActionMic    = "mic"
	ActionRetry  = "retry"
	ActionCancel = "cancel"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

type CaptureStarted struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
}

type CaptureResult struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
	Text   string      `json:"text"`
	Final  bool        `json:"final"`
}

type CaptureEnd struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
}

type CaptureError struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
	// Kind is no_speech, permission_denied or other.
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type CaptureUnsupported struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle,omitempty"`
}

type PermissionResult struct {
	Type    MessageType `json:"type"`
	Granted bool        `json:"granted"`
}

type PlaybackEvent struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
	Detail string      `json:"detail,omitempty"`
}

type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

type Voices struct {
	Type   MessageType `json:"type"`
	Voices []Voice     `json:"voices"`
}

type State struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	State      string      `json:"state"`
	Open       bool        `json:"open"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Retryable  bool        `json:"retryable,omitempty"`
	Transcript string      `json:"transcript"`
	Response   string      `json:"response"`
	Displayed  bool        `json:"displayed"`
	Turn       uint64      `json:"turn"`
}

type CaptureStart struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
	Locale string      `json:"locale"`
}

type CaptureStop struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
}

type PermissionRequest struct {
	Type MessageType `json:"type"`
}

type PlayAudio struct {
	Type        MessageType `json:"type"`
	Handle      string      `json:"handle"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type SpeakLocal struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
	Text   string      `json:"text"`
	Voice  *Voice      `json:"voice,omitempty"`
}

type StopPlayback struct {
	Type   MessageType `json:"type"`
	Handle string      `json:"handle"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionOpen, ActionClose, ActionMic, ActionRetry, ActionCancel:
		default:
			return nil, fmt.Errorf("invalid control action: %q", msg.Action)
		}
		return msg, nil
	case TypeCaptureStarted:
		var msg CaptureStarted
		if err := decodeWithHandle(raw, &msg, &msg.Handle); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCaptureResult:
		var msg CaptureResult
		if err := decodeWithHandle(raw, &msg, &msg.Handle); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCaptureEnd:
		var msg CaptureEnd
		if err := decodeWithHandle(raw, &msg, &msg.Handle); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCaptureError:
		var msg CaptureError
		if err := decodeWithHandle(raw, &msg, &msg.Handle); err != nil {
			return nil, err
		}
		switch msg.Kind {
		case "no_speech", "permission_denied", "other":
		case "":
			msg.Kind = "other"
		default:
			return nil, fmt.Errorf("invalid capture_error kind: %q", msg.Kind)
		}
		return msg, nil
	case TypeCaptureUnsupported:
		var msg CaptureUnsupported
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePermissionResult:
		var msg PermissionResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePlaybackStarted, TypePlaybackEnded, TypePlaybackError:
		var msg PlaybackEvent
		if err := decodeWithHandle(raw, &msg, &msg.Handle); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeVoices:
		var msg Voices
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeWithHandle(raw []byte, dst any, handle *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if strings.TrimSpace(*handle) == "" {
		return errors.New("missing handle")
	}
	return nil
}

// TypeOf returns the wire type of a protocol message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case CaptureStarted:
		return m.Type, true
	case CaptureResult:
		return m.Type, true
	case CaptureEnd:
		return m.Type, true
	case CaptureError:
		return m.Type, true
	case CaptureUnsupported:
		return m.Type, true
	case PermissionResult:
		return m.Type, true
	case PlaybackEvent:
		return m.Type, true
	case Voices:
		return m.Type, true
	case State:
		return m.Type, true
	case CaptureStart:
		return m.Type, true
	case CaptureStop:
		return m.Type, true
	case PermissionRequest:
		return m.Type, true
	case PlayAudio:
		return m.Type, true
	case SpeakLocal:
		return m.Type, true
	case StopPlayback:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
