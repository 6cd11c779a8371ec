package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/loqalabs/miko-core/internal/config"
)

func TestClientSendsVoiceParameters(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got = r.URL.Query()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildTestWAV(32000, []int16{1, 2}))
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.ServerURL = srv.URL + "/"
	cfg.RefAudioPath = "/voices/miko.wav"
	client := NewClient(cfg)

	body, err := client.Stream(context.Background(), "Hello there!")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	data, _ := io.ReadAll(body)
	if err := body.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(data) != 48 {
		t.Fatalf("expected 48 body bytes, got %d", len(data))
	}

	want := map[string]string{
		"text":               "Hello there!",
		"text_lang":          "en",
		"ref_audio_path":     "/voices/miko.wav",
		"prompt_lang":        "en",
		"streaming_mode":     "true",
		"parallel_infer":     "false",
		"media_type":         "wav",
		"batch_size":         "1",
		"top_k":              "5",
		"top_p":              "1.0",
		"temperature":        "1.0",
		"text_split_method":  "cut5",
		"speed_factor":       "1.0",
		"fragment_interval":  "0.3",
		"repetition_penalty": "1.35",
		"seed":               "-1",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Fatalf("param %s: expected %q, got %q", k, v, got.Get(k))
		}
	}
	if got.Get("prompt_text") != cfg.PromptText {
		t.Fatalf("unexpected prompt_text %q", got.Get("prompt_text"))
	}
}

func TestClientReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.ServerURL = srv.URL
	_, err := NewClient(cfg).Stream(context.Background(), "hi")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %v", err)
	}
}

func TestClientSetVoiceAppliesToNextRequest(t *testing.T) {
	var lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang = r.URL.Query().Get("text_lang")
		_, _ = w.Write(buildTestWAV(32000, nil))
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.ServerURL = srv.URL
	client := NewClient(cfg)
	cfg.TextLang = "ja"
	client.SetVoice(cfg)

	body, err := client.Stream(context.Background(), "konnichiwa")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	body.Close()
	if lang != "ja" {
		t.Fatalf("expected text_lang ja, got %q", lang)
	}
}

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{1: "1.0", 0.3: "0.3", 1.35: "1.35", 0: "0.0"}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Fatalf("formatFloat(%v): expected %q, got %q", in, want, got)
		}
	}
}
