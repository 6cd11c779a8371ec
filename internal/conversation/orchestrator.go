// Package conversation turns user input into model replies and queues the
// replies for speech.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/llm"
	"github.com/loqalabs/miko-core/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName       = "github.com/loqalabs/miko-core/conversation"
	defaultGreeting = "Hello! I'm ready to chat!"
	defaultFarewell = "Goodbye!"
)

// ErrEmptyInput is returned by Chat for blank input.
var ErrEmptyInput = errors.New("empty chat input")

// Speaker accepts text for speech. *speech.Serializer satisfies it.
type Speaker interface {
	Submit(text string, source speech.Source) (speech.Utterance, bool)
}

// Recorder persists turns. *eventstore.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload any)
}

type Options struct {
	Streaming        bool
	HistoryLimit     int
	MinSentenceChars int
	MaxTokens        int
	Temperature      float64
}

func OptionsFromConfig(cfg config.Config) Options {
	provider, _ := cfg.ActiveProvider()
	return Options{
		Streaming:        cfg.Conversation.Streaming,
		HistoryLimit:     cfg.Conversation.HistoryLimit,
		MinSentenceChars: cfg.Conversation.MinSentenceChars,
		MaxTokens:        provider.MaxTokens,
		Temperature:      provider.Temperature,
	}
}

// Turn is a recorded exchange.
type Turn struct {
	Role      llm.Role      `json:"role"`
	Text      string        `json:"text"`
	Source    speech.Source `json:"source,omitempty"`
	Sentences int           `json:"sentences,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Orchestrator holds the chat history and runs one turn at a time.
type Orchestrator struct {
	gen      llm.Generator
	speaker  Speaker
	recorder Recorder
	opts     Options
	log      *slog.Logger

	turnMu  sync.Mutex
	history []llm.Message

	personaMu sync.RWMutex
	persona   config.PersonalityConfig

	metrics orchestratorMetrics
}

type orchestratorMetrics struct {
	turns   metric.Int64Counter
	latency metric.Float64Histogram
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func New(gen llm.Generator, speaker Speaker, persona config.PersonalityConfig, opts Options, log *slog.Logger, options ...Option) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	o := &Orchestrator{
		gen:     gen,
		speaker: speaker,
		opts:    opts,
		persona: persona,
		log:     log.With(slog.String("component", "conversation")),
	}
	for _, opt := range options {
		opt(o)
	}
	if err := o.initMetrics(otel.Meter(meterName)); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

func (o *Orchestrator) initMetrics(meter metric.Meter) error {
	var err error
	o.metrics.turns, err = meter.Int64Counter("miko_chat_turns_total",
		metric.WithDescription("Chat turns by outcome"))
	if err != nil {
		return err
	}
	o.metrics.latency, err = meter.Float64Histogram("miko_llm_first_token_seconds",
		metric.WithDescription("Time to first generated token"),
		metric.WithUnit("s"))
	return err
}

// SetPersonality swaps the persona used for the next turn.
func (o *Orchestrator) SetPersonality(p config.PersonalityConfig) {
	o.personaMu.Lock()
	o.persona = p
	o.personaMu.Unlock()
}

func (o *Orchestrator) Personality() config.PersonalityConfig {
	o.personaMu.RLock()
	defer o.personaMu.RUnlock()
	return o.persona
}

// Greet queues the persona greeting and returns it.
func (o *Orchestrator) Greet() string {
	text := strings.TrimSpace(o.Personality().Greeting)
	if text == "" {
		text = defaultGreeting
		o.log.Warn("personality has no greeting, using fallback")
	}
	o.speaker.Submit(text, speech.SourceSystem)
	o.record(context.Background(), "turn.greeting", Turn{Role: llm.RoleAssistant, Text: text, Source: speech.SourceSystem})
	return text
}

// Farewell queues the persona farewell and returns it.
func (o *Orchestrator) Farewell() string {
	text := strings.TrimSpace(o.Personality().Farewell)
	if text == "" {
		text = defaultFarewell
	}
	o.speaker.Submit(text, speech.SourceSystem)
	o.record(context.Background(), "turn.farewell", Turn{Role: llm.RoleAssistant, Text: text, Source: speech.SourceSystem})
	return text
}

// History returns a copy of the retained user/assistant messages.
func (o *Orchestrator) History() []llm.Message {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return append([]llm.Message(nil), o.history...)
}

// Chat answers one user turn. Reply text is queued for speech as it streams
// in. On generation failure the persona error message is spoken and the
// error is returned alongside it.
func (o *Orchestrator) Chat(ctx context.Context, text string, source speech.Source) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	persona := o.Personality()
	o.history = append(o.history, llm.Message{Role: llm.RoleUser, Content: text})
	o.record(ctx, "turn.user", Turn{Role: llm.RoleUser, Text: text, Source: source})

	messages := make([]llm.Message, 0, len(o.history)+1)
	if persona.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: persona.SystemPrompt})
	}
	messages = append(messages, o.history...)

	var (
		reply     strings.Builder
		sentences int
		first     = true
		start     = time.Now()
		buffer    = newSentenceBuffer(o.opts.MinSentenceChars)
	)
	err := o.gen.Generate(ctx, llm.Request{
		Messages:    messages,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	}, func(c llm.Chunk) error {
		if c.Content == "" {
			return nil
		}
		if first {
			first = false
			o.metrics.latency.Record(ctx, time.Since(start).Seconds())
		}
		reply.WriteString(c.Content)
		if !o.opts.Streaming {
			return nil
		}
		if sentence, ok := buffer.Push(c.Content); ok {
			if _, queued := o.speaker.Submit(sentence, speech.SourceLLM); queued {
				sentences++
			}
		}
		return nil
	})

	answer := strings.TrimSpace(reply.String())
	if err == nil && answer == "" {
		err = errors.New("model returned an empty reply")
	}
	if err != nil {
		answer = persona.ErrorMessage
		if answer == "" {
			answer = "Sorry, something went wrong."
		}
		o.log.Warn("generation failed", slogError(err))
		o.speaker.Submit(answer, speech.SourceSystem)
		o.metrics.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		o.record(ctx, "turn.assistant", Turn{Role: llm.RoleAssistant, Text: answer, Sentences: sentences, Error: err.Error()})
		o.appendAssistant(answer)
		return answer, fmt.Errorf("generate reply: %w", err)
	}

	if o.opts.Streaming {
		if rest := buffer.Flush(); rest != "" {
			if _, queued := o.speaker.Submit(rest, speech.SourceLLM); queued {
				sentences++
			}
		}
	} else {
		o.speaker.Submit(answer, speech.SourceLLM)
		sentences = 1
	}

	o.metrics.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	o.record(ctx, "turn.assistant", Turn{Role: llm.RoleAssistant, Text: answer, Sentences: sentences})
	o.appendAssistant(answer)
	o.log.Debug("turn complete", slog.Int("sentences", sentences), slog.Duration("latency", time.Since(start)))
	return answer, nil
}

// appendAssistant records the reply and keeps the history window bounded.
// Callers hold turnMu.
func (o *Orchestrator) appendAssistant(text string) {
	o.history = append(o.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	if over := len(o.history) - o.opts.HistoryLimit; over > 0 {
		o.history = append([]llm.Message(nil), o.history[over:]...)
	}
}

func (o *Orchestrator) record(ctx context.Context, eventType string, turn Turn) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(ctx, eventType, turn)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
