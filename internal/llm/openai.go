package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/miko-core/internal/config"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// openaiGenerator talks to any OpenAI-compatible chat endpoint (OpenAI,
// OpenRouter, Gemini's compatibility layer, Ollama's /v1).
type openaiGenerator struct {
	client oai.Client
	model  string
}

func NewOpenAIGenerator(p config.ProviderConfig, timeout time.Duration) (Generator, error) {
	if p.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	apiKey := p.APIKey
	if apiKey == "" {
		// Local OpenAI-compatible servers ignore the key but the client requires one.
		apiKey = "not-needed"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &openaiGenerator{client: oai.NewClient(opts...), model: p.Model}, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	params, err := buildParams(g.model, req)
	if err != nil {
		return err
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := consumer(Chunk{Content: content, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	return consumer(Chunk{Done: true, Latency: time.Since(start)})
}

func buildParams(model string, req Request) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case RoleUser:
		return oai.UserMessage(m.Content), nil
	case RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
