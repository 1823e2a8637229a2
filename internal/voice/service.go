package voice

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/projecta/assistant/internal/observability"
	"github.com/projecta/assistant/internal/protocol"
	"github.com/projecta/assistant/internal/session"
)

// MessageServiceFor returns the message service scoped to one user.
type MessageServiceFor func(userID string) MessageService

type ServiceOptions struct {
	SilenceDelay time.Duration
	Locale       string
	Logger       *log.Logger
}

// Service runs one Controller per websocket connection, with the browser as
// the device bridge.
type Service struct {
	messagesFor MessageServiceFor
	remote      RemoteSynthesizer
	sessions    *session.Manager
	metrics     *observability.Metrics
	opts        ServiceOptions

	mu    sync.Mutex
	conns map[string]*liveConn
}

type liveConn struct {
	cancel context.CancelFunc
}

func NewService(
	messagesFor MessageServiceFor,
	remote RemoteSynthesizer,
	sessions *session.Manager,
	metrics *observability.Metrics,
	opts ServiceOptions,
) *Service {
	if opts.SilenceDelay <= 0 {
		opts.SilenceDelay = DefaultSilenceDelay
	}
	if strings.TrimSpace(opts.Locale) == "" {
		opts.Locale = DefaultLocale
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{
		messagesFor: messagesFor,
		remote:      remote,
		sessions:    sessions,
		metrics:     metrics,
		opts:        opts,
		conns:       make(map[string]*liveConn),
	}
}

// RunConnection drives the voice session for s until inbound closes, ctx is
// done or the session is ended.
func (v *Service) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	if v.messagesFor == nil {
		return errors.New("voice service has no message service")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := v.register(s.ID, cancel)
	defer v.unregister(s.ID, conn)

	locale := strings.TrimSpace(s.Locale)
	if locale == "" {
		locale = v.opts.Locale
	}

	bridge := NewBridge(locale, outbound, ctx.Done())
	deps := Dependencies{
		Capture:    bridge,
		Permission: bridge,
		Messages:   v.messagesFor(s.UserID),
		Player:     bridge,
		Local:      bridge,
	}
	if v.remote != nil {
		deps.Remote = v.remote
	}

	out := &stateEmitter{ctx: ctx, sessionID: s.ID, outbound: outbound, sessions: v.sessions, metrics: v.metrics}
	ctrl, err := NewController(deps, Options{
		SilenceDelay: v.opts.SilenceDelay,
		Locale:       locale,
		Logger:       v.opts.Logger,
		Observer:     &sessionObserver{sessionID: s.ID, sessions: v.sessions, metrics: v.metrics},
		OnChange:     out.publish,
	})
	if err != nil {
		return err
	}
	bridge.Attach(ctrl)

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			<-runErr
			return nil
		case msg, ok := <-inbound:
			if !ok {
				cancel()
				<-runErr
				return nil
			}
			if v.sessions != nil {
				_ = v.sessions.Touch(s.ID)
			}
			if err := bridge.Dispatch(msg); err != nil {
				out.send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      "unsupported_client_message",
					Source:    "bridge",
					Retryable: false,
					Detail:    err.Error(),
				})
			}
		}
	}
}

// EndSession stops the live connection of a session, if any.
func (v *Service) EndSession(sessionID string) bool {
	v.mu.Lock()
	conn, ok := v.conns[sessionID]
	v.mu.Unlock()
	if ok {
		conn.cancel()
	}
	return ok
}

func (v *Service) register(sessionID string, cancel context.CancelFunc) *liveConn {
	conn := &liveConn{cancel: cancel}
	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.conns[sessionID]; ok {
		// A reconnect replaces the previous connection.
		prev.cancel()
	}
	v.conns[sessionID] = conn
	return conn
}

func (v *Service) unregister(sessionID string, conn *liveConn) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conns[sessionID] == conn {
		delete(v.conns, sessionID)
	}
}

type stateEmitter struct {
	ctx       context.Context
	sessionID string
	outbound  chan<- any
	sessions  *session.Manager
	metrics   *observability.Metrics
	last      Snapshot
}

func (e *stateEmitter) publish(snap Snapshot) {
	if e.sessions != nil && snap.State == StateProcessing && snap.Turn != e.last.Turn {
		_ = e.sessions.StartTurn(e.sessionID, snap.Turn)
	}
	e.send(protocol.State{
		Type:       protocol.TypeState,
		SessionID:  e.sessionID,
		State:      string(snap.State),
		Open:       snap.Open,
		Reason:     string(snap.Reason),
		Message:    snap.Message,
		Retryable:  snap.Reason.Retryable(),
		Transcript: snap.Transcript,
		Response:   snap.Response,
		Displayed:  snap.Displayed,
		Turn:       snap.Turn,
	})
	if snap.State == StateError && (e.last.State != StateError || e.last.Message != snap.Message) {
		e.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: e.sessionID,
			Code:      string(snap.Reason),
			Source:    "voice",
			Retryable: snap.Reason.Retryable(),
			Detail:    snap.Message,
		})
	}
	e.last = snap
}

func (e *stateEmitter) send(msg any) {
	t, _ := protocol.TypeOf(msg)
	msgType := string(t)
	select {
	case e.outbound <- msg:
		e.record(msgType, "delivered")
	case <-e.ctx.Done():
		e.record(msgType, "dropped")
	}
}

func (e *stateEmitter) record(msgType, result string) {
	if e.metrics != nil {
		e.metrics.ObserveOutboundMessage(msgType, result)
	}
}

type sessionObserver struct {
	sessionID string
	sessions  *session.Manager
	metrics   *observability.Metrics
}

func (o *sessionObserver) ObserveTransition(from, to State) {
	if o.metrics != nil {
		o.metrics.ObserveTransition(string(from), string(to))
	}
	if o.sessions == nil {
		return
	}
	if to == StateIdle && (from == StateListening || from == StateProcessing || from == StateSpeaking) {
		_ = o.sessions.Interrupt(o.sessionID)
	}
}

func (o *sessionObserver) ObserveSynthesis(kind SynthesisKind) {
	if o.metrics != nil {
		o.metrics.ObserveSynthesis(string(kind))
	}
}

func (o *sessionObserver) ObserveStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveTurnStage(stage, d)
	}
}
