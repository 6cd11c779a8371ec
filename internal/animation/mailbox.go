package animation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sink receives events drained from a Mailbox.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Mailbox hands signals from speech workers to the goroutine running Run
// without ever blocking the sender.
type Mailbox struct {
	ch      chan Event
	sinks   []Sink
	running atomic.Bool
	log     *slog.Logger
}

func NewMailbox(size int, log *slog.Logger, sinks ...Sink) *Mailbox {
	if size <= 0 {
		size = 64
	}
	return &Mailbox{
		ch:    make(chan Event, size),
		sinks: sinks,
		log:   log.With(slog.String("component", "animation")),
	}
}

// Notify queues a signal. It returns false when Run is not active or the
// mailbox is full; the signal is dropped in that case.
func (m *Mailbox) Notify(kind Kind, text string) bool {
	if !m.running.Load() {
		m.log.Debug("animation loop not running, signal skipped", slog.String("type", string(kind)))
		return false
	}
	select {
	case m.ch <- Event{Type: kind, Text: text}:
		return true
	default:
		m.log.Debug("animation mailbox full, signal skipped", slog.String("type", string(kind)))
		return false
	}
}

// Run drains the mailbox until ctx is done, then flushes what is left.
func (m *Mailbox) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			m.flush()
			return nil
		case ev := <-m.ch:
			m.deliver(ctx, ev)
		}
	}
}

func (m *Mailbox) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	for {
		select {
		case ev := <-m.ch:
			m.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (m *Mailbox) deliver(ctx context.Context, ev Event) {
	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			m.log.Warn("animation sink failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		}
	}
}
