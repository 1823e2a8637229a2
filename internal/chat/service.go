package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/projecta/assistant/internal/llm"
	"github.com/projecta/assistant/internal/messages"
	"github.com/projecta/assistant/internal/observability"
	"github.com/projecta/assistant/internal/policy"
	"github.com/projecta/assistant/internal/voice"
)

const SystemPrompt = "You are Project A, a professional and soft-spoken AI assistant created by Amit Kumar, a final year B.Tech student. " +
	"EXTREMELY IMPORTANT: Your name is 'Project A'. Never use the name 'AIRA'. " +
	"Keep all responses clean, concise, and professional. " +
	"Use proper Markdown formatting for lists and code blocks. " +
	"Limit your emoji usage to a maximum of 1 emoji per response. " +
	"Do not use excessive symbols or asterisks."

const Greeting = "Hey there! 💫 I'm Project A, and I'm so happy to chat with you! " +
	"Whether you need help with something, want to explore ideas together, or just need a friendly ear, I'm here for you. " +
	"What's on your mind today?"

const defaultReply = "I couldn't generate a response."

var ErrEmptyContent = messages.ErrEmptyContent

// ProviderError is a failed completion with the message shown to the user.
type ProviderError struct {
	UserMessage string
	Err         error
}

func (e *ProviderError) Error() string { return e.UserMessage + ": " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

type Options struct {
	HistoryLimit int
	Timeout      time.Duration
}

// Service runs a chat turn: persist, complete, persist.
type Service struct {
	store     messages.Store
	completer llm.Completer
	metrics   *observability.Metrics
	opts      Options
}

func NewService(store messages.Store, completer llm.Completer, metrics *observability.Metrics, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Service{store: store, completer: completer, metrics: metrics, opts: opts}
}

// List returns the user's live history. A user with no history is greeted.
func (s *Service) List(ctx context.Context, userID string) ([]messages.Message, error) {
	items, err := s.store.List(ctx, userID, s.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}
	greeting, err := s.store.Create(ctx, messages.Message{UserID: userID, Role: messages.RoleAssistant, Content: Greeting})
	if err != nil {
		return nil, err
	}
	return []messages.Message{greeting}, nil
}

func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.store.Clear(ctx, userID)
}

// Send stores content as a user message and returns the stored assistant reply.
func (s *Service) Send(ctx context.Context, userID, content string) (messages.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return messages.Message{}, ErrEmptyContent
	}

	redacted, _ := policy.RedactPII(content)
	log.Printf("chat send user=%s text=%q", userID, redacted)

	if _, err := s.store.Create(ctx, messages.Message{UserID: userID, Role: messages.RoleUser, Content: content}); err != nil {
		return messages.Message{}, fmt.Errorf("store user message: %w", err)
	}

	history, err := s.store.List(ctx, userID, s.opts.HistoryLimit)
	if err != nil {
		return messages.Message{}, fmt.Errorf("load history: %w", err)
	}
	req := llm.Request{System: SystemPrompt, History: make([]llm.Turn, 0, len(history))}
	for _, m := range history {
		req.History = append(req.History, llm.Turn{Role: m.Role, Content: m.Content})
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	started := time.Now()
	reply, err := s.completer.Complete(cctx, req)
	cancel()
	s.observe(started, err)
	if err != nil {
		log.Printf("chat completion failed provider=%s: %v", s.completer.Name(), err)
		return messages.Message{}, &ProviderError{UserMessage: userMessageFor(err), Err: err}
	}
	if strings.TrimSpace(reply) == "" {
		reply = defaultReply
	}

	assistant, err := s.store.Create(ctx, messages.Message{UserID: userID, Role: messages.RoleAssistant, Content: reply})
	if err != nil {
		return messages.Message{}, fmt.Errorf("store assistant message: %w", err)
	}
	return assistant, nil
}

func (s *Service) observe(started time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		s.metrics.ProviderErrors.WithLabelValues(s.completer.Name(), "completion").Inc()
	}
	s.metrics.ObserveChatLatency(s.completer.Name(), result, time.Since(started))
}

func userMessageFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "AI Error: The assistant took too long to respond."
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "groq") || strings.Contains(lower, "api key") || strings.Contains(lower, "authentication") {
		return "AI Error: Please verify your GROQ_API_KEY."
	}
	return "Failed to process chat message"
}

// UserMessage extracts the user-facing text of a Send error.
func UserMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.UserMessage
	}
	return "Failed to process chat message"
}

// MessagesFor binds the service to one user as the voice controller's
// message service.
func (s *Service) MessagesFor(userID string) voice.MessageService {
	return &userMessages{svc: s, userID: userID}
}

type userMessages struct {
	svc    *Service
	userID string
}

func (u *userMessages) Send(ctx context.Context, text string) (voice.Reply, error) {
	msg, err := u.svc.Send(ctx, u.userID, text)
	if err != nil {
		return voice.Reply{}, errors.New(UserMessage(err))
	}
	return voice.Reply{Content: msg.Content}, nil
}
