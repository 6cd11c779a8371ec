package animation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/miko-core/animation"

// Socket is one connected viewer.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Bus holds the set of connected viewers.
type Bus struct {
	sendTimeout time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	sockets map[Socket]struct{}
}

func NewBus(sendTimeout time.Duration, log *slog.Logger) *Bus {
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	b := &Bus{
		sendTimeout: sendTimeout,
		log:         log.With(slog.String("component", "animation")),
		sockets:     make(map[Socket]struct{}),
	}
	if err := b.initMetrics(otel.Meter(meterName)); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return b
}

func (b *Bus) initMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("miko_animation_viewers",
		metric.WithDescription("Connected animation viewers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}))
	return err
}

func (b *Bus) Register(s Socket) {
	b.mu.Lock()
	b.sockets[s] = struct{}{}
	n := len(b.sockets)
	b.mu.Unlock()
	b.log.Info("viewer connected", slog.Int("viewers", n))
}

func (b *Bus) Unregister(s Socket) {
	b.mu.Lock()
	_, ok := b.sockets[s]
	delete(b.sockets, s)
	n := len(b.sockets)
	b.mu.Unlock()
	if ok {
		b.log.Info("viewer disconnected", slog.Int("viewers", n))
	}
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}

// Broadcast delivers ev to every viewer and returns how many accepted it.
// Sockets that fail are dropped once all sends have finished.
func (b *Bus) Broadcast(ctx context.Context, ev Event) int {
	b.mu.Lock()
	targets := make([]Socket, 0, len(b.sockets))
	for s := range b.sockets {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("failed to encode animation event", slog.String("error", err.Error()))
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Socket
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s Socket) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()
			if err := s.Send(sendCtx, data); err != nil {
				b.log.Debug("viewer send failed", slog.String("error", err.Error()))
				mu.Lock()
				failed = append(failed, s)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	for _, s := range failed {
		b.Unregister(s)
		_ = s.Close()
	}
	return len(targets) - len(failed)
}

// Deliver lets the bus act as a mailbox Sink.
func (b *Bus) Deliver(ctx context.Context, ev Event) error {
	b.Broadcast(ctx, ev)
	return nil
}

// CloseAll disconnects every viewer.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	targets := b.sockets
	b.sockets = make(map[Socket]struct{})
	b.mu.Unlock()
	var wg sync.WaitGroup
	for s := range targets {
		wg.Add(1)
		go func(s Socket) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()
}
