package animation

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/miko-core/internal/config"
)

func TestServerFallsBackToNextPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	srv := NewServer(config.AnimationConfig{Bind: "127.0.0.1", Port: port, PortAttempts: 3}, NewBus(time.Second, newLogger()), newLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, got, _ := net.SplitHostPort(srv.Addr())
	if got == strconv.Itoa(port) {
		t.Fatalf("expected a fallback port, got %s", got)
	}
	srv.ln.Close()
}

func TestServerGivesUpAfterAttempts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	srv := NewServer(config.AnimationConfig{Bind: "127.0.0.1", Port: port, PortAttempts: 1}, NewBus(time.Second, newLogger()), newLogger())
	if err := srv.Listen(); err == nil {
		t.Fatal("expected listen to fail with a single attempt on a busy port")
	}
}

func TestServerDeliversBroadcasts(t *testing.T) {
	bus := NewBus(time.Second, newLogger())
	srv := NewServer(config.AnimationConfig{Bind: "127.0.0.1", Port: 0, PortAttempts: 1}, bus, newLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+srv.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Broadcast(context.Background(), Event{Type: KindSpeechStart, Text: "Hello."})
	typ, data, err := conn.Read(dialCtx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(data) != `{"type":"tts_start","text":"Hello."}` {
		t.Fatalf("unexpected frame %v %s", typ, data)
	}
	conn.CloseRead(context.Background())

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
