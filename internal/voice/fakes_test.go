package voice

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if t.fired || t.stopped || t.at.After(c.now) {
			continue
		}
		t.fired = true
		due = append(due, t.f)
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// Armed counts every AfterFunc call so far.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// deviceTracker records how many capture and playback handles are live at once.
type deviceTracker struct {
	mu         sync.Mutex
	live       int
	violations int
}

func (d *deviceTracker) acquire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live > 0 {
		d.violations++
	}
	d.live++
}

func (d *deviceTracker) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live--
}

func (d *deviceTracker) Violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violations
}

type fakeHandle struct {
	id      string
	tracker *deviceTracker
	mu      sync.Mutex
	stops   int
}

func newFakeHandle(id string, tracker *deviceTracker) *fakeHandle {
	tracker.acquire()
	return &fakeHandle{id: id, tracker: tracker}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	if h.stops == 1 {
		h.tracker.release()
	}
}

func (h *fakeHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops > 0
}

type fakeCapture struct {
	tracker *deviceTracker
	mu      sync.Mutex
	errs    []error
	handles []*fakeHandle
}

func (f *fakeCapture) Start(context.Context) (CaptureHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	h := newFakeHandle(fmt.Sprintf("cap-%d", len(f.handles)+1), f.tracker)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeCapture) Last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakePermission struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakePermission) RequestPermission(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakePermission) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMessages struct {
	mu    sync.Mutex
	sent  []string
	reply func(text string) (Reply, error)
	// gate, when set, holds every Send until it is closed.
	gate chan struct{}
}

func (f *fakeMessages) Send(ctx context.Context, text string) (Reply, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	reply := f.reply
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
	if reply == nil {
		return Reply{Content: "Hi there"}, nil
	}
	return reply(text)
}

func (f *fakeMessages) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeRemote struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeRemote) Synthesize(_ context.Context, text string) (Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return Audio{}, f.err
	}
	return Audio{Data: []byte("mp3:" + text), Format: "mp3_44100_128"}, nil
}

func (f *fakeRemote) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakePlayer struct {
	tracker *deviceTracker
	mu      sync.Mutex
	err     error
	handles []*fakeHandle
}

func (f *fakePlayer) Play(context.Context, Audio) (PlaybackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHandle(fmt.Sprintf("play-%d", len(f.handles)+1), f.tracker)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakePlayer) Last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type spokenText struct {
	text  string
	voice *LocalVoice
}

type fakeLocal struct {
	tracker *deviceTracker
	mu      sync.Mutex
	voices  []LocalVoice
	err     error
	spoken  []spokenText
	handles []*fakeHandle
}

func (f *fakeLocal) Voices() []LocalVoice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LocalVoice(nil), f.voices...)
}

func (f *fakeLocal) Speak(_ context.Context, text string, voice *LocalVoice) (PlaybackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, spokenText{text: text, voice: voice})
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHandle(fmt.Sprintf("local-%d", len(f.handles)+1), f.tracker)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeLocal) Spoken() []spokenText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spokenText(nil), f.spoken...)
}

func (f *fakeLocal) Last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	synthesis   []SynthesisKind
	stages      map[string]int
}

func (o *recordingObserver) ObserveTransition(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, string(from)+"->"+string(to))
}

func (o *recordingObserver) ObserveSynthesis(kind SynthesisKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.synthesis = append(o.synthesis, kind)
}

func (o *recordingObserver) ObserveStage(stage string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stages == nil {
		o.stages = make(map[string]int)
	}
	o.stages[stage]++
}

func (o *recordingObserver) Synthesis() []SynthesisKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SynthesisKind(nil), o.synthesis...)
}

func (o *recordingObserver) Stage(stage string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stages[stage]
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	tracker    *deviceTracker
	capture    *fakeCapture
	permission *fakePermission
	messages   *fakeMessages
	remote     *fakeRemote
	player     *fakePlayer
	local      *fakeLocal
	observer   *recordingObserver
	logs       *syncBuffer
	ctrl       *Controller

	mu        sync.Mutex
	snapshots []Snapshot
}

func newHarness(t *testing.T, configure func(h *harness)) *harness {
	t.Helper()
	tracker := &deviceTracker{}
	h := &harness{
		t:          t,
		clock:      newFakeClock(),
		tracker:    tracker,
		capture:    &fakeCapture{tracker: tracker},
		permission: &fakePermission{},
		messages:   &fakeMessages{},
		remote:     &fakeRemote{},
		player:     &fakePlayer{tracker: tracker},
		local: &fakeLocal{tracker: tracker, voices: []LocalVoice{
			{Name: "Alex", Lang: "en-US"},
			{Name: "Microsoft Zira - English (United States)", Lang: "en-US"},
		}},
		observer: &recordingObserver{},
		logs:     &syncBuffer{},
	}
	if configure != nil {
		configure(h)
	}

	ctrl, err := NewController(Dependencies{
		Capture:    h.capture,
		Permission: h.permission,
		Messages:   h.messages,
		Remote:     h.remote,
		Player:     h.player,
		Local:      h.local,
	}, Options{
		Clock:    h.clock,
		Logger:   log.New(h.logs, "", 0),
		Observer: h.observer,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			h.snapshots = append(h.snapshots, s)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})
	return h
}

func (h *harness) waitFor(desc string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s (snapshot=%+v)", desc, h.ctrl.Snapshot())
}

func (h *harness) waitState(want State) Snapshot {
	h.t.Helper()
	h.waitFor("state "+string(want), func() bool { return h.ctrl.Snapshot().State == want })
	return h.ctrl.Snapshot()
}

// settle waits until every input queued so far has been handled.
func (h *harness) settle() {
	h.t.Helper()
	h.waitFor("controller inbox drained", func() bool { return len(h.ctrl.inbox) == 0 })
	time.Sleep(10 * time.Millisecond)
}

func (h *harness) Snapshots() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snapshots...)
}

// say delivers a capture event for the live capture handle.
func (h *harness) say(typ EventType, text string) {
	h.ctrl.Deliver(Event{Type: typ, Handle: h.capture.Last().ID(), Text: text})
}
