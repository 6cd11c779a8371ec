package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/miko-core/internal/config"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes a chat completion.
type Request struct {
	SessionID   string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Chunk is a piece of streamed model output. The last chunk has Done set.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator is a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend selected by llm.backend, using the active
// provider for endpoint and model.
func NewGenerator(cfg config.Config) (Generator, error) {
	provider, _ := cfg.ActiveProvider()
	timeout := time.Duration(cfg.LLM.RequestTimeoutMS) * time.Millisecond
	switch cfg.LLM.Backend {
	case "openai":
		return NewOpenAIGenerator(provider, timeout)
	case "ollama":
		return NewOllamaGenerator(provider, timeout), nil
	case "exec":
		return NewExecGenerator(cfg.LLM.Command)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
	}
}
