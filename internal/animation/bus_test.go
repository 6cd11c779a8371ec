package animation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	delay  time.Duration
	closed atomic.Bool
}

func (s *fakeSocket) Send(ctx context.Context, data []byte) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSocket) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func TestBroadcastWithoutViewersIsNoop(t *testing.T) {
	bus := NewBus(time.Second, newLogger())
	if n := bus.Broadcast(context.Background(), Event{Type: KindSpeechStart}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestBroadcastDropsOnlyFailingSocket(t *testing.T) {
	bus := NewBus(time.Second, newLogger())
	healthy := &fakeSocket{}
	broken := &fakeSocket{err: errors.New("connection closed")}
	bus.Register(healthy)
	bus.Register(broken)

	if n := bus.Broadcast(context.Background(), Event{Type: KindSpeechStart, Text: "Hello."}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if bus.Len() != 1 {
		t.Fatalf("expected 1 viewer left, got %d", bus.Len())
	}
	if !broken.closed.Load() || healthy.closed.Load() {
		t.Fatal("only the failing socket should be closed")
	}

	bus.Broadcast(context.Background(), Event{Type: KindSpeechEnd})
	frames := healthy.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	var first map[string]any
	if err := json.Unmarshal(frames[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["type"] != "tts_start" || first["text"] != "Hello." {
		t.Fatalf("unexpected frame %s", frames[0])
	}
	if string(frames[1]) != `{"type":"tts_end"}` {
		t.Fatalf("unexpected end frame %s", frames[1])
	}
}

func TestBroadcastWaitsForSlowViewer(t *testing.T) {
	bus := NewBus(time.Second, newLogger())
	slow := &fakeSocket{delay: 50 * time.Millisecond}
	fast := &fakeSocket{}
	bus.Register(slow)
	bus.Register(fast)

	if n := bus.Broadcast(context.Background(), Event{Type: KindSpeechStart}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(slow.Frames()) != 1 || bus.Len() != 2 {
		t.Fatal("slow but alive viewer must receive the event and stay registered")
	}
}

func TestBroadcastTimesOutStuckViewer(t *testing.T) {
	bus := NewBus(20*time.Millisecond, newLogger())
	stuck := &fakeSocket{delay: time.Minute}
	bus.Register(stuck)

	start := time.Now()
	bus.Broadcast(context.Background(), Event{Type: KindSpeechEnd})
	if time.Since(start) > 5*time.Second {
		t.Fatal("broadcast blocked on a stuck viewer")
	}
	if bus.Len() != 0 {
		t.Fatal("timed out viewer should be removed")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	bus := NewBus(time.Second, newLogger())
	s := &fakeSocket{}
	bus.Register(s)
	bus.Unregister(s)
	bus.Unregister(s)
	if bus.Len() != 0 {
		t.Fatalf("expected empty bus, got %d", bus.Len())
	}
}
