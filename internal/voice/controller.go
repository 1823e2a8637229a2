package voice

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	DefaultSilenceDelay = time.Second
	DefaultLocale       = "en-US"
)

// Turn stages reported to Observer.ObserveStage.
const (
	StageSendToReply  = "send_to_reply"
	StageReplyToAudio = "reply_to_audio"
	StageTurnTotal    = "turn_total"
)

var (
	ErrAlreadyRunning = errors.New("voice controller already running")
	ErrMissingDevice  = errors.New("voice controller requires speech capture and a message service")
)

// Dependencies are the collaborators a Controller drives. Capture and Messages
// are required; a missing Remote or Player means every reply uses the local
// synthesizer, and a missing Local means failed remote synthesis skips speech.
type Dependencies struct {
	Capture    SpeechCapture
	Permission PermissionRequester
	Messages   MessageService
	Remote     RemoteSynthesizer
	Player     AudioPlayer
	Local      LocalSynthesizer
}

// Observer receives controller telemetry. Calls happen on the controller goroutine.
type Observer interface {
	ObserveTransition(from, to State)
	ObserveSynthesis(kind SynthesisKind)
	ObserveStage(stage string, d time.Duration)
}

type Options struct {
	SilenceDelay time.Duration
	Locale       string
	Clock        Clock
	Logger       *log.Logger
	Observer     Observer
	// OnChange is called on the controller goroutine after every change to the snapshot.
	OnChange func(Snapshot)
}

type action string

const (
	actionOpen   action = "open"
	actionClose  action = "close"
	actionMic    action = "mic"
	actionRetry  action = "retry"
	actionCancel action = "cancel"

	// actionCapabilityLost reports that the runtime can no longer capture speech.
	actionCapabilityLost action = "capability_lost"
)

type silenceExpired struct {
	gen uint64
}

type replyDone struct {
	turn  uint64
	reply Reply
	err   error
}

type synthesisDone struct {
	turn   uint64
	result SynthesisResult
}

type permissionDone struct {
	turn uint64
	err  error
}

// Controller runs one voice session. Every input (user actions, device events,
// timer expiry, network completions) is serialized through a single goroutine
// started by Run, so session state is never shared.
type Controller struct {
	deps         Dependencies
	synth        Synthesizer
	silenceDelay time.Duration
	locale       string
	clock        Clock
	logger       *log.Logger
	observer     Observer
	onChange     func(Snapshot)

	inbox   chan any
	stopped chan struct{}
	started bool
	startMu sync.Mutex
	ctx     context.Context

	mu        sync.RWMutex
	published Snapshot

	// Owned by the Run goroutine.
	state             State
	open              bool
	reason            ErrorReason
	message           string
	transcript        string
	response          string
	displayed         bool
	turn              uint64
	capture           CaptureHandle
	playback          PlaybackHandle
	playbackLocal     bool
	speechText        string
	silenceTimer      Timer
	silenceGen        uint64
	silenceDeadline   time.Time
	permissionPending bool
	sentAt            time.Time
	replyAt           time.Time
}

func NewController(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Capture == nil || deps.Messages == nil {
		return nil, ErrMissingDevice
	}
	if opts.SilenceDelay <= 0 {
		opts.SilenceDelay = DefaultSilenceDelay
	}
	if strings.TrimSpace(opts.Locale) == "" {
		opts.Locale = DefaultLocale
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	c := &Controller{
		deps:         deps,
		synth:        Synthesizer{Remote: deps.Remote, Local: deps.Local},
		silenceDelay: opts.SilenceDelay,
		locale:       opts.Locale,
		clock:        opts.Clock,
		logger:       opts.Logger,
		observer:     opts.Observer,
		onChange:     opts.OnChange,
		inbox:        make(chan any, 64),
		stopped:      make(chan struct{}),
		state:        StateIdle,
	}
	c.published = c.snapshot()
	return c, nil
}

// Run processes session inputs until ctx is done. Teardown releases every
// handle and returns the session to Idle.
func (c *Controller) Run(ctx context.Context) error {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return ErrAlreadyRunning
	}
	c.started = true
	c.startMu.Unlock()

	c.ctx = ctx
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.open = false
			c.stop()
			c.publish()
			return ctx.Err()
		case msg := <-c.inbox:
			c.handle(msg)
			c.publish()
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

func (c *Controller) Open()      { c.post(actionOpen) }
func (c *Controller) Close()     { c.post(actionClose) }
func (c *Controller) ToggleMic() { c.post(actionMic) }
func (c *Controller) Retry()     { c.post(actionRetry) }
func (c *Controller) Cancel()    { c.post(actionCancel) }

// CapabilityLost fails a live capture with CapabilityMissing.
func (c *Controller) CapabilityLost() { c.post(actionCapabilityLost) }

// Deliver hands a capture or playback event to the session.
func (c *Controller) Deliver(ev Event) { c.post(ev) }

// Snapshot returns the most recently published session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

func (c *Controller) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case action:
		c.handleAction(m)
	case Event:
		c.handleEvent(m)
	case silenceExpired:
		c.onSilence(m.gen)
	case replyDone:
		c.onReply(m)
	case synthesisDone:
		c.onSynthesis(m)
	case permissionDone:
		c.onPermission(m)
	}
}

func (c *Controller) handleAction(a action) {
	switch a {
	case actionOpen:
		if c.open {
			return
		}
		c.open = true
		c.acquire()
	case actionClose, actionCancel:
		c.open = false
		c.stop()
	case actionMic:
		switch c.state {
		case StateIdle:
			c.open = true
			c.acquire()
		case StateListening, StateProcessing, StateSpeaking:
			c.stop()
		case StateError:
			c.retry()
		}
	case actionRetry:
		c.retry()
	case actionCapabilityLost:
		if c.capture != nil {
			c.fail(ReasonCapabilityMissing, msgCapabilityMissing)
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Type {
	case EventCaptureStarted, EventInterimResult, EventFinalResult, EventCaptureEnded, EventCaptureError:
		if c.capture == nil || c.capture.ID() != ev.Handle {
			return
		}
	case EventPlaybackStarted, EventPlaybackEnded, EventPlaybackError:
		if c.playback == nil || c.playback.ID() != ev.Handle {
			return
		}
	default:
		return
	}

	switch ev.Type {
	case EventInterimResult:
		c.transcript = ev.Text
		c.armSilence()
	case EventFinalResult:
		c.disarmSilence()
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			c.acquire()
			return
		}
		c.send(text)
	case EventCaptureEnded:
		// Recognition runs one utterance at a time; keep listening hands-free.
		if text := strings.TrimSpace(c.transcript); text != "" {
			c.send(text)
			return
		}
		c.acquire()
	case EventCaptureError:
		c.onCaptureError(ev)
	case EventPlaybackStarted:
		if !c.displayed {
			c.displayed = true
			c.observer.ObserveStage(StageReplyToAudio, c.clock.Now().Sub(c.replyAt))
		}
	case EventPlaybackEnded:
		c.finishTurn()
	case EventPlaybackError:
		if c.playbackLocal {
			c.logger.Printf("voice local synthesis error: %s", ev.Detail)
			c.stop()
			return
		}
		c.logger.Printf("voice remote playback error, using local synthesizer: %s", ev.Detail)
		c.speakLocal()
	}
}

func (c *Controller) onCaptureError(ev Event) {
	switch ev.Kind {
	case CaptureNoSpeech:
		// The capture ends right after; EventCaptureEnded restarts it.
	case CapturePermissionDenied:
		c.fail(ReasonPermissionDenied, msgPermissionDenied)
	case CaptureUnsupported:
		c.fail(ReasonCapabilityMissing, msgCapabilityMissing)
	default:
		c.logger.Printf("voice capture error: %s", ev.Detail)
		c.fail(ReasonServiceFailure, msgCaptureFailed)
	}
}

func (c *Controller) onSilence(gen uint64) {
	if gen != c.silenceGen || c.state != StateListening {
		return
	}
	c.silenceTimer = nil
	c.silenceDeadline = time.Time{}

	if text := strings.TrimSpace(c.transcript); text != "" {
		c.send(text)
		return
	}
	c.releaseCapture()
	if c.open {
		c.acquire()
		return
	}
	c.stop()
}

func (c *Controller) send(text string) {
	c.disarmSilence()
	c.releaseCapture()
	c.turn++
	turn := c.turn
	c.transcript = text
	c.sentAt = c.clock.Now()
	c.setState(StateProcessing)

	ctx := c.ctx
	messages := c.deps.Messages
	go func() {
		reply, err := messages.Send(ctx, text)
		c.post(replyDone{turn: turn, reply: reply, err: err})
	}()
}

func (c *Controller) onReply(m replyDone) {
	if m.turn != c.turn || c.state != StateProcessing {
		c.logger.Printf("voice discarding stale reply turn=%d current=%d", m.turn, c.turn)
		return
	}
	if m.err != nil {
		c.fail(ReasonServiceFailure, "Error: "+m.err.Error())
		return
	}

	c.replyAt = c.clock.Now()
	c.observer.ObserveStage(StageSendToReply, c.replyAt.Sub(c.sentAt))
	c.response = m.reply.Content
	c.displayed = false
	c.setState(StateSpeaking)

	ctx := c.ctx
	synth := c.synth
	turn := c.turn
	text := m.reply.Content
	go func() {
		c.post(synthesisDone{turn: turn, result: synth.SynthesizeWithFallback(ctx, text)})
	}()
}

func (c *Controller) onSynthesis(m synthesisDone) {
	if m.turn != c.turn || c.state != StateSpeaking {
		c.logger.Printf("voice discarding stale synthesis turn=%d current=%d", m.turn, c.turn)
		return
	}
	c.speechText = m.result.Text

	switch m.result.Kind {
	case SynthesisRemote:
		if c.deps.Player == nil {
			c.speakLocal()
			return
		}
		h, err := c.deps.Player.Play(c.ctx, m.result.Audio)
		if err != nil {
			c.logger.Printf("voice remote playback failed, using local synthesizer: %v", err)
			c.speakLocal()
			return
		}
		c.observer.ObserveSynthesis(SynthesisRemote)
		c.playback = h
		c.playbackLocal = false
	case SynthesisFallback:
		c.logger.Printf("voice remote synthesis failed, using local synthesizer: %v", m.result.RemoteErr)
		c.speakLocal()
	default:
		c.logger.Printf("voice synthesis unavailable: %v", m.result.Err)
		c.observer.ObserveSynthesis(SynthesisFailed)
		c.finishTurn()
	}
}

func (c *Controller) speakLocal() {
	c.releasePlayback()
	if c.deps.Local == nil || c.speechText == "" {
		c.observer.ObserveSynthesis(SynthesisFailed)
		c.finishTurn()
		return
	}
	voice := SelectVoice(c.deps.Local.Voices(), c.locale)
	h, err := c.deps.Local.Speak(c.ctx, c.speechText, voice)
	if err != nil {
		c.logger.Printf("voice local synthesis failed: %v", err)
		c.stop()
		return
	}
	c.observer.ObserveSynthesis(SynthesisFallback)
	c.playback = h
	c.playbackLocal = true
}

// finishTurn ends Speaking and resumes listening for the next utterance.
func (c *Controller) finishTurn() {
	c.releasePlayback()
	if !c.sentAt.IsZero() {
		c.observer.ObserveStage(StageTurnTotal, c.clock.Now().Sub(c.sentAt))
	}
	if c.open {
		c.acquire()
		return
	}
	c.stop()
}

func (c *Controller) retry() {
	if c.state != StateError || c.permissionPending {
		return
	}
	if c.reason == ReasonPermissionDenied && c.deps.Permission != nil {
		c.permissionPending = true
		ctx := c.ctx
		turn := c.turn
		requester := c.deps.Permission
		go func() {
			c.post(permissionDone{turn: turn, err: requester.RequestPermission(ctx)})
		}()
		return
	}
	c.acquire()
}

func (c *Controller) onPermission(m permissionDone) {
	c.permissionPending = false
	if m.turn != c.turn || c.state != StateError {
		return
	}
	if m.err != nil {
		c.logger.Printf("voice permission request failed: %v", m.err)
		c.message = msgPermissionStill
		return
	}
	c.acquire()
}

// acquire starts a fresh capture and enters Listening, or Error when the
// runtime refuses.
func (c *Controller) acquire() {
	c.disarmSilence()
	c.releaseCapture()
	c.releasePlayback()

	h, err := c.deps.Capture.Start(c.ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrCapabilityMissing):
			c.fail(ReasonCapabilityMissing, msgCapabilityMissing)
		case errors.Is(err, ErrPermissionDenied):
			c.fail(ReasonPermissionDenied, msgPermissionDenied)
		default:
			c.logger.Printf("voice capture start failed: %v", err)
			c.fail(ReasonServiceFailure, msgCaptureFailed)
		}
		return
	}
	c.capture = h
	c.transcript = ""
	c.reason = ReasonNone
	c.message = ""
	c.setState(StateListening)
}

// stop releases everything and supersedes any in-flight turn.
func (c *Controller) stop() {
	c.disarmSilence()
	c.releaseCapture()
	c.releasePlayback()
	c.turn++
	c.reason = ReasonNone
	c.message = ""
	c.permissionPending = false
	c.setState(StateIdle)
}

func (c *Controller) fail(reason ErrorReason, message string) {
	c.disarmSilence()
	c.releaseCapture()
	c.releasePlayback()
	c.reason = reason
	c.message = message
	c.setState(StateError)
}

func (c *Controller) armSilence() {
	c.disarmSilence()
	gen := c.silenceGen
	c.silenceDeadline = c.clock.Now().Add(c.silenceDelay)
	c.silenceTimer = c.clock.AfterFunc(c.silenceDelay, func() {
		c.post(silenceExpired{gen: gen})
	})
}

func (c *Controller) disarmSilence() {
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	c.silenceDeadline = time.Time{}
	c.silenceGen++
}

func (c *Controller) releaseCapture() {
	if c.capture == nil {
		return
	}
	c.capture.Stop()
	c.capture = nil
}

func (c *Controller) releasePlayback() {
	if c.playback == nil {
		return
	}
	c.playback.Stop()
	c.playback = nil
	c.playbackLocal = false
}

func (c *Controller) setState(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.observer.ObserveTransition(from, to)
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		State:      c.state,
		Open:       c.open,
		Reason:     c.reason,
		Message:    c.message,
		Transcript: c.transcript,
		Response:   c.response,
		Displayed:  c.displayed,
		Turn:       c.turn,
		Capturing:  c.capture != nil,
		Playing:    c.playback != nil,
	}
}

func (c *Controller) publish() {
	snap := c.snapshot()
	c.mu.Lock()
	if snap == c.published {
		c.mu.Unlock()
		return
	}
	c.published = snap
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(snap)
	}
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(State, State)     {}
func (nopObserver) ObserveSynthesis(SynthesisKind)     {}
func (nopObserver) ObserveStage(string, time.Duration) {}
