package llm

import (
	"context"
	"fmt"
	"strings"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string
	Content string
}

type Request struct {
	System  string
	History []Turn
}

// Completer produces the assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
	Model   string
}

// NewCompleter picks the backend for mode: groq, mock, or auto (groq when a
// key is configured).
func NewCompleter(cfg Config) (Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return MockCompleter{}, nil
		}
		return NewGroqCompleter(cfg), nil
	case "groq":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("LLM_PROVIDER=groq requires GROQ_API_KEY")
		}
		return NewGroqCompleter(cfg), nil
	case "mock":
		return MockCompleter{}, nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// MockCompleter echoes the last user message.
type MockCompleter struct{}

func (MockCompleter) Name() string { return "mock" }

func (MockCompleter) Complete(_ context.Context, req Request) (string, error) {
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == "user" {
			return "I heard you: " + strings.TrimSpace(req.History[i].Content), nil
		}
	}
	return "I'm listening.", nil
}
