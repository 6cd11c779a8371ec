package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/audio/audiotest"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeChatter struct {
	mu        sync.Mutex
	turns     []string
	sources   []speech.Source
	farewells int
}

func (f *fakeChatter) Chat(_ context.Context, text string, source speech.Source) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, text)
	f.sources = append(f.sources, source)
	return "echo " + text, nil
}

func (f *fakeChatter) Farewell() string {
	f.mu.Lock()
	f.farewells++
	f.mu.Unlock()
	return "Bye bye!"
}

func (f *fakeChatter) Personality() config.PersonalityConfig {
	return config.PersonalityConfig{Name: "Miko"}
}

type fakePTT struct {
	enabled   bool
	recording bool
}

func (p *fakePTT) Enabled() bool { return p.enabled }
func (p *fakePTT) Recording() bool { return p.recording }
func (p *fakePTT) Toggle(context.Context) (string, error) {
	p.recording = !p.recording
	return "", nil
}

type countdownSpeech struct {
	left atomic.Int32
}

func (s *countdownSpeech) InFlight() bool { return s.left.Add(-1) > 0 }
func (s *countdownSpeech) Pending() int { return 0 }

func newConsole(t *testing.T, input string, chat Chatter, opts ...Option) (*Console, *bytes.Buffer, *audio.SelectionStore) {
	t.Helper()
	host := &audiotest.Host{
		Outputs: []audio.Device{{Index: 0, Name: "Speakers", IsDefault: true}, {Index: 1, Name: "Headphones"}},
		Inputs:  []audio.Device{{Index: 0, Name: "Microphone", IsDefault: true}},
	}
	sel, err := audio.OpenSelectionStore(filepath.Join(t.TempDir(), "devices.yaml"), audio.Selection{})
	if err != nil {
		t.Fatalf("open selection: %v", err)
	}
	out := &bytes.Buffer{}
	return New(strings.NewReader(input), out, chat, audio.NewCatalog(host), sel, newLogger(), opts...), out, sel
}

func runConsole(t *testing.T, c *Console) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("console did not return on quit")
	}
}

func TestConsoleChatsAndQuits(t *testing.T) {
	chat := &fakeChatter{}
	c, out, _ := newConsole(t, "hello there\n\n   \nhow are you\nquit\nignored\n", chat)
	runConsole(t, c)

	if len(chat.turns) != 2 || chat.turns[0] != "hello there" || chat.turns[1] != "how are you" {
		t.Fatalf("unexpected turns: %v", chat.turns)
	}
	if chat.sources[0] != speech.SourceConsole {
		t.Fatalf("expected console source, got %s", chat.sources[0])
	}
	if chat.farewells != 1 {
		t.Fatalf("expected one farewell, got %d", chat.farewells)
	}
	text := out.String()
	for _, want := range []string{"Miko: echo hello there", "Miko: echo how are you", "Miko: Bye bye!"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleSelectsDevices(t *testing.T) {
	c, out, sel := newConsole(t, "/device 1\n/input 0\n/device 9\n/device nope\n/input default\n/devices\nexit\n", &fakeChatter{})
	runConsole(t, c)

	if got := sel.Output(); got == nil || *got != 1 {
		t.Fatalf("expected output 1, got %v", got)
	}
	if got := sel.Input(); got != nil {
		t.Fatalf("expected input reset to default, got %d", *got)
	}
	text := out.String()
	for _, want := range []string{
		"output device set to Headphones",
		"input device set to Microphone",
		"audio device not found",
		`Invalid device index "nope"`,
		" * 1: Headphones",
		"using system default",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleTalk(t *testing.T) {
	c, out, _ := newConsole(t, "/talk\nquit\n", &fakeChatter{})
	runConsole(t, c)
	if !strings.Contains(out.String(), "Push-to-talk is disabled") {
		t.Fatalf("expected disabled notice:\n%s", out.String())
	}

	ptt := &fakePTT{enabled: true}
	c, out, _ = newConsole(t, "/talk\nquit\n", &fakeChatter{}, WithPushToTalk(ptt))
	runConsole(t, c)
	if !ptt.recording || !strings.Contains(out.String(), "Recording...") {
		t.Fatalf("expected recording to start:\n%s", out.String())
	}
}

func TestAnswerUsesVoiceSource(t *testing.T) {
	chat := &fakeChatter{}
	c, out, _ := newConsole(t, "", chat)
	c.Answer(context.Background(), "from the mic")
	if len(chat.sources) != 1 || chat.sources[0] != speech.SourceASR {
		t.Fatalf("unexpected sources: %v", chat.sources)
	}
	if !strings.Contains(out.String(), "You (voice): from the mic") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestQuitWaitsForSpeech(t *testing.T) {
	state := &countdownSpeech{}
	state.left.Store(4)
	c, _, _ := newConsole(t, "quit\n", &fakeChatter{}, WithSpeechState(state, 3*time.Second))
	runConsole(t, c)
	if state.left.Load() > 0 {
		t.Fatalf("quit returned while speech was in flight (%d polls left)", state.left.Load())
	}
}

func TestClosedInputWaitsForCancel(t *testing.T) {
	c, _, _ := newConsole(t, "", &fakeChatter{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("console returned before cancel")
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop after cancel")
	}
}
