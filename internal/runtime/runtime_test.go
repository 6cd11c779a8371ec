package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/audio/audiotest"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, ttsURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Animation.Enabled = false
	cfg.Bus.Enabled = false
	cfg.ASR.Enabled = false
	cfg.LLM.Backend = "mock"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.AudioDevices.SelectionPath = filepath.Join(dir, "audio_devices.yaml")
	cfg.TTS.ServerURL = ttsURL
	cfg.TTS.RetryBackoffMS = 10
	cfg.Playback = config.PlaybackConfig{
		PrebufferSamples:   64,
		BlockSize:          16,
		PrebufferTimeoutMS: 200,
		PrebufferPollMS:    20,
		IdleTimeoutMS:      50,
		PollIntervalMS:     5,
		MaxPullAttempts:    5,
		DefaultSampleRate:  16000,
	}
	cfg.Conversation.ShutdownWaitMS = 5000
	return cfg
}

func testHost() *audiotest.Host {
	return &audiotest.Host{
		Outputs: []audio.Device{{Index: 0, Name: "Speakers", IsDefault: true}, {Index: 1, Name: "Headphones"}},
		Inputs:  []audio.Device{{Index: 0, Name: "Microphone", IsDefault: true}},
	}
}

func wavBytes(sampleRate int, samples int) []byte {
	var buf bytes.Buffer
	dataSize := uint32(samples * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	for i := 0; i < samples; i++ {
		_ = binary.Write(&buf, binary.LittleEndian, int16(i%200))
	}
	return buf.Bytes()
}

func buildRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(testConfig(t, "http://127.0.0.1:1"), newLogger(), WithHost(testHost()))
	if err := rt.build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(rt.release)
	srv := httptest.NewServer(rt.routes(nil))
	t.Cleanup(srv.Close)
	return rt, srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := buildRuntime(t)

	var health map[string]any
	if code := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", &health); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if health["bus"] != "disabled" || health["event_store"] != true {
		t.Fatalf("unexpected health body: %v", health)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", code)
	}
	rt.ready.Store(true)
	if code := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil); code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", code)
	}
}

func TestBuildAppliesRetention(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.MaxSessions = 1
	for i := 0; i < 3; i++ {
		rt := New(cfg, newLogger(), WithHost(testHost()))
		if err := rt.build(context.Background()); err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		sessions, err := rt.store.RecentSessions(context.Background(), 10)
		rt.release()
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if want := min(i+1, 2); len(sessions) != want {
			t.Fatalf("build %d: expected %d sessions, got %+v", i, want, sessions)
		}
		current := false
		for _, sess := range sessions {
			current = current || sess.ID == rt.sessionID
		}
		if !current {
			t.Fatalf("build %d: current session %s missing from %+v", i, rt.sessionID, sessions)
		}
	}
}

func TestDeviceEndpoints(t *testing.T) {
	rt, srv := buildRuntime(t)

	var list devicesResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/devices", "", &list); code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if len(list.Outputs) != 2 || len(list.Inputs) != 1 || list.Output != nil {
		t.Fatalf("unexpected device list: %+v", list)
	}

	var dev audio.Device
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/output", `{"index":1}`, &dev); code != http.StatusOK {
		t.Fatalf("select output: %d", code)
	}
	if dev.Name != "Headphones" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	if got := rt.selection.Output(); got == nil || *got != 1 {
		t.Fatalf("selection not stored: %v", got)
	}

	var apiErr errorResponse
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/output", `{"index":9}`, &apiErr); code != http.StatusNotFound || apiErr.Code != "device_not_found" {
		t.Fatalf("expected device_not_found, got %d %+v", code, apiErr)
	}
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/speaker", `{"index":0}`, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/input", `{"index":"one"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/output", `{"index": 3`, &apiErr); code != http.StatusBadRequest || apiErr.Code != "invalid_request" {
		t.Fatalf("expected 400 for truncated body, got %d %+v", code, apiErr)
	}
	if got := rt.selection.Output(); got == nil || *got != 1 {
		t.Fatalf("truncated body changed the selection: %v", got)
	}
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/devices/output", ``, &dev); code != http.StatusOK || dev.Name != "Speakers" {
		t.Fatalf("expected reset to default speakers, got %d %+v", code, dev)
	}
	if rt.selection.Output() != nil {
		t.Fatal("expected output reset to system default")
	}
}

func TestSpeakAndChatEndpoints(t *testing.T) {
	rt, srv := buildRuntime(t)

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/speak", `{"text":"   "}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", code)
	}
	var queued map[string]any
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/speak", `{"text":"Hello chat!"}`, &queued); code != http.StatusAccepted {
		t.Fatalf("speak: %d", code)
	}
	if queued["text"] != "Hello chat!" || queued["source"] != "api" {
		t.Fatalf("unexpected utterance: %v", queued)
	}

	var reply map[string]any
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chat", `{"text":"hi there"}`, &reply); code != http.StatusOK {
		t.Fatalf("chat: %d", code)
	}
	if reply["reply"] != "You said: hi there." {
		t.Fatalf("unexpected reply: %v", reply)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chat", `{"text":""}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty chat, got %d", code)
	}

	var status statusResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/status", "", &status); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if status.SessionID != rt.sessionID || status.History != 2 || status.SpeechQueued < 2 || status.Bus != "disabled" {
		t.Fatalf("unexpected status: %+v", status)
	}

	var events struct {
		SessionID string          `json:"session_id"`
		Events    []eventResponse `json:"events"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/current/events", "", &events); code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	if events.SessionID != rt.sessionID || len(events.Events) == 0 {
		t.Fatalf("expected events for current session, got %+v", events)
	}
	var sessions struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions?limit=5", "", &sessions); code != http.StatusOK {
		t.Fatalf("sessions: %d", code)
	}
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].ID != rt.sessionID {
		t.Fatalf("unexpected sessions: %+v", sessions.Sessions)
	}
}

func TestRuntimeConsoleSession(t *testing.T) {
	var hits atomic.Int32
	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavBytes(16000, 1600))
	}))
	defer tts.Close()

	cfg := testConfig(t, tts.URL)
	host := testHost()
	out := &bytes.Buffer{}
	rt := New(cfg, newLogger(), WithHost(host), WithConsole(strings.NewReader("hello\nquit\n"), out))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("runtime only stopped on timeout")
	}

	if n := hits.Load(); n < 3 {
		t.Fatalf("expected greeting, reply and farewell to be synthesized, got %d requests", n)
	}
	if len(host.Played()) == 0 {
		t.Fatal("expected audio to be played")
	}
	if !strings.Contains(out.String(), "Miko: You said: hello.") || !strings.Contains(out.String(), "Miko: Bye bye!") {
		t.Fatalf("unexpected console output:\n%s", out.String())
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	events, err := store.SessionEvents(context.Background(), rt.sessionID, 500)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]int{}
	for _, e := range events {
		seen[e.Type]++
	}
	if seen["turn.greeting"] != 1 || seen["turn.farewell"] != 1 || seen["turn.user"] != 1 {
		t.Fatalf("unexpected turn events: %v", seen)
	}
	if seen["utterance.completed"] < 3 {
		t.Fatalf("expected completed utterances, got %v", seen)
	}
}

func TestRuntimeSignalSpeaksFarewell(t *testing.T) {
	var hits atomic.Int32
	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavBytes(16000, 1600))
	}))
	defer tts.Close()

	cfg := testConfig(t, tts.URL)
	cfg.Conversation.ShutdownWaitMS = 100
	cfg.Conversation.DrainWaitMS = 10000
	rt := New(cfg, newLogger(), WithHost(testHost()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("greeting was never synthesized")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	events, err := store.SessionEvents(context.Background(), rt.sessionID, 500)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]int{}
	for _, e := range events {
		seen[e.Type]++
	}
	if seen["turn.farewell"] != 1 {
		t.Fatalf("expected one farewell turn, got %v", seen)
	}
	if seen["utterance.completed"] != 2 || seen["utterance.abandoned"] != 0 {
		t.Fatalf("expected greeting and farewell to finish playing, got %v", seen)
	}
}
