package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator echoes the last user message back word by word.
type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			prompt = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	reply := "You said: " + prompt + "."
	start := time.Now()
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
		if err := consumer(Chunk{Content: word, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return consumer(Chunk{Done: true, Latency: time.Since(start)})
}
