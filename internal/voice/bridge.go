package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/projecta/assistant/internal/protocol"
)

var (
	errBridgeClosed         = errors.New("device bridge closed")
	errPermissionSuperseded = errors.New("permission request superseded")
)

// Bridge exposes a browser's speech primitives (recognition, audio element,
// speechSynthesis) as the controller's collaborators. Commands leave as
// protocol messages on out; the browser's replies come back through Dispatch.
type Bridge struct {
	locale string
	out    chan<- any
	done   <-chan struct{}
	seq    atomic.Uint64

	mu          sync.Mutex
	ctrl        *Controller
	unsupported bool
	voices      []LocalVoice
	permWaiter  chan error
}

func NewBridge(locale string, out chan<- any, done <-chan struct{}) *Bridge {
	return &Bridge{locale: locale, out: out, done: done}
}

// Attach routes dispatched device events to c.
func (b *Bridge) Attach(c *Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrl = c
}

func (b *Bridge) Start(ctx context.Context) (CaptureHandle, error) {
	b.mu.Lock()
	unsupported := b.unsupported
	b.mu.Unlock()
	if unsupported {
		return nil, ErrCapabilityMissing
	}

	id := b.nextHandle("cap")
	if err := b.emit(ctx, protocol.CaptureStart{Type: protocol.TypeCaptureStart, Handle: id, Locale: b.locale}); err != nil {
		return nil, err
	}
	return &bridgeHandle{id: id, bridge: b, stop: protocol.CaptureStop{Type: protocol.TypeCaptureStop, Handle: id}}, nil
}

func (b *Bridge) RequestPermission(ctx context.Context) error {
	waiter := make(chan error, 1)
	b.mu.Lock()
	if prev := b.permWaiter; prev != nil {
		prev <- errPermissionSuperseded
	}
	b.permWaiter = waiter
	b.mu.Unlock()

	if err := b.emit(ctx, protocol.PermissionRequest{Type: protocol.TypePermissionRequest}); err != nil {
		return err
	}
	select {
	case err := <-waiter:
		if err == nil {
			b.mu.Lock()
			b.unsupported = false
			b.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return errBridgeClosed
	}
}

func (b *Bridge) Play(ctx context.Context, audio Audio) (PlaybackHandle, error) {
	if len(audio.Data) == 0 {
		return nil, errors.New("empty audio")
	}
	id := b.nextHandle("play")
	msg := protocol.PlayAudio{
		Type:        protocol.TypePlayAudio,
		Handle:      id,
		Format:      audio.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Data),
	}
	if err := b.emit(ctx, msg); err != nil {
		return nil, err
	}
	return b.playbackHandle(id), nil
}

func (b *Bridge) Voices() []LocalVoice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LocalVoice(nil), b.voices...)
}

func (b *Bridge) Speak(ctx context.Context, text string, voice *LocalVoice) (PlaybackHandle, error) {
	id := b.nextHandle("local")
	msg := protocol.SpeakLocal{Type: protocol.TypeSpeakLocal, Handle: id, Text: text}
	if voice != nil {
		msg.Voice = &protocol.Voice{Name: voice.Name, Lang: voice.Lang}
	}
	if err := b.emit(ctx, msg); err != nil {
		return nil, err
	}
	return b.playbackHandle(id), nil
}

// Dispatch translates one parsed client message into controller input.
func (b *Bridge) Dispatch(msg any) error {
	b.mu.Lock()
	ctrl := b.ctrl
	b.mu.Unlock()
	if ctrl == nil {
		return errors.New("device bridge has no controller")
	}

	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionOpen:
			ctrl.Open()
		case protocol.ActionClose:
			ctrl.Close()
		case protocol.ActionMic:
			ctrl.ToggleMic()
		case protocol.ActionRetry:
			ctrl.Retry()
		case protocol.ActionCancel:
			ctrl.Cancel()
		default:
			return fmt.Errorf("unknown control action %q", m.Action)
		}
	case protocol.CaptureStarted:
		ctrl.Deliver(Event{Type: EventCaptureStarted, Handle: m.Handle})
	case protocol.CaptureResult:
		typ := EventInterimResult
		if m.Final {
			typ = EventFinalResult
		}
		ctrl.Deliver(Event{Type: typ, Handle: m.Handle, Text: m.Text})
	case protocol.CaptureEnd:
		ctrl.Deliver(Event{Type: EventCaptureEnded, Handle: m.Handle})
	case protocol.CaptureError:
		ctrl.Deliver(Event{Type: EventCaptureError, Handle: m.Handle, Kind: CaptureErrorKind(m.Kind), Detail: m.Detail})
	case protocol.CaptureUnsupported:
		b.mu.Lock()
		b.unsupported = true
		b.mu.Unlock()
		if m.Handle == "" {
			ctrl.CapabilityLost()
			break
		}
		ctrl.Deliver(Event{Type: EventCaptureError, Handle: m.Handle, Kind: CaptureUnsupported})
	case protocol.PermissionResult:
		b.resolvePermission(m.Granted)
	case protocol.PlaybackEvent:
		var typ EventType
		switch m.Type {
		case protocol.TypePlaybackStarted:
			typ = EventPlaybackStarted
		case protocol.TypePlaybackEnded:
			typ = EventPlaybackEnded
		default:
			typ = EventPlaybackError
		}
		ctrl.Deliver(Event{Type: typ, Handle: m.Handle, Detail: m.Detail})
	case protocol.Voices:
		voices := make([]LocalVoice, 0, len(m.Voices))
		for _, v := range m.Voices {
			voices = append(voices, LocalVoice{Name: v.Name, Lang: v.Lang})
		}
		b.mu.Lock()
		b.voices = voices
		b.mu.Unlock()
	default:
		return protocol.ErrUnsupportedType
	}
	return nil
}

func (b *Bridge) resolvePermission(granted bool) {
	b.mu.Lock()
	waiter := b.permWaiter
	b.permWaiter = nil
	b.mu.Unlock()
	if waiter == nil {
		return
	}
	if granted {
		waiter <- nil
		return
	}
	waiter <- ErrPermissionDenied
}

func (b *Bridge) nextHandle(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, b.seq.Add(1))
}

func (b *Bridge) playbackHandle(id string) *bridgeHandle {
	return &bridgeHandle{id: id, bridge: b, stop: protocol.StopPlayback{Type: protocol.TypeStopPlayback, Handle: id}}
}

func (b *Bridge) emit(ctx context.Context, msg any) error {
	select {
	case b.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return errBridgeClosed
	}
}

type bridgeHandle struct {
	id     string
	bridge *Bridge
	stop   any
	once   sync.Once
}

func (h *bridgeHandle) ID() string { return h.id }

func (h *bridgeHandle) Stop() {
	h.once.Do(func() {
		_ = h.bridge.emit(context.Background(), h.stop)
	})
}
