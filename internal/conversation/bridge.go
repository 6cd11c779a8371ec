package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/bus"
	"github.com/loqalabs/miko-core/internal/protocol"
	"github.com/loqalabs/miko-core/internal/speech"
	"github.com/nats-io/nats.go"
)

// Bridge feeds bus messages into the conversation: chat input is answered,
// speech requests are spoken verbatim.
type Bridge struct {
	bus       *bus.Client
	orch      *Orchestrator
	speaker   Speaker
	logger    *slog.Logger
	subChat   *nats.Subscription
	subSpeech *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewBridge(parent context.Context, busClient *bus.Client, orch *Orchestrator, speaker Speaker, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		bus:     busClient,
		orch:    orch,
		speaker: speaker,
		logger:  logger.With(slog.String("component", "bridge")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Bridge) Start() error {
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectChatInput, b.handleChat)
	if err != nil {
		return err
	}
	b.subChat = sub

	subSpeech, err := b.bus.Conn().Subscribe(protocol.SubjectSpeechRequest, b.handleSpeech)
	if err != nil {
		_ = b.subChat.Drain()
		return err
	}
	b.subSpeech = subSpeech
	return b.bus.Conn().Flush()
}

func (b *Bridge) Close() {
	b.cancel()
	if b.subChat != nil {
		_ = b.subChat.Drain()
	}
	if b.subSpeech != nil {
		_ = b.subSpeech.Drain()
	}
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool {
	return b.subChat != nil && b.subSpeech != nil
}

func (b *Bridge) handleChat(msg *nats.Msg) {
	var in protocol.ChatInput
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		b.logger.Warn("bridge failed to decode chat input", slogError(err))
		return
	}
	if in.Text == "" {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		reply, err := b.orch.Chat(b.ctx, in.Text, speech.SourceBus)
		if errors.Is(err, ErrEmptyInput) {
			return
		}
		if err != nil {
			b.logger.Warn("bus chat turn failed", slogError(err))
		}
		out := protocol.AssistantReply{SessionID: in.SessionID, Text: reply, Timestamp: time.Now().UTC()}
		if err := b.bus.PublishJSON(protocol.SubjectAssistantReply, out); err != nil {
			b.logger.Warn("failed to publish assistant reply", slogError(err))
		}
	}()
}

func (b *Bridge) handleSpeech(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.logger.Warn("bridge failed to decode speech request", slogError(err))
		return
	}
	if _, ok := b.speaker.Submit(req.Text, speech.SourceBus); !ok {
		b.logger.Debug("speech request rejected")
	}
}
