package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ttsEndpoint = "/tts"

// ErrStatus is wrapped by StatusError.
var ErrStatus = errors.New("unexpected tts status")

// StatusError reports a non-200 response from the TTS server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts server returned status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client requests streamed speech from a GPT-SoVITS compatible server.
type Client struct {
	httpClient *http.Client
	tracer     trace.Tracer

	mu     sync.RWMutex
	voice  config.TTSConfig
	params url.Values
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(cfg config.TTSConfig, opts ...ClientOption) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	c := &Client{
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		}},
		tracer: otel.Tracer("github.com/loqalabs/miko-core/speech"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetVoice(cfg)
	return c
}

// SetVoice swaps the voice parameters used by subsequent requests.
func (c *Client) SetVoice(cfg config.TTSConfig) {
	params := voiceParams(cfg)
	c.mu.Lock()
	c.voice = cfg
	c.params = params
	c.mu.Unlock()
}

// Stream issues the request and returns the response body on HTTP 200. The
// caller must close it.
func (c *Client) Stream(ctx context.Context, text string) (io.ReadCloser, error) {
	c.mu.RLock()
	base := strings.TrimRight(c.voice.ServerURL, "/")
	query := url.Values{}
	for k, v := range c.params {
		query[k] = v
	}
	c.mu.RUnlock()
	query.Set("text", text)

	ctx, span := c.tracer.Start(ctx, "tts.request", trace.WithAttributes(attribute.Int("tts.text_length", len(text))))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+ttsEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, fmt.Errorf("GET %s: %w", ttsEndpoint, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := &StatusError{Code: resp.StatusCode}
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &tracedBody{ReadCloser: resp.Body, span: span}, nil
}

type tracedBody struct {
	io.ReadCloser
	span trace.Span
	once sync.Once
}

func (b *tracedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.span.End() })
	return err
}

func voiceParams(cfg config.TTSConfig) url.Values {
	v := url.Values{}
	v.Set("text_lang", cfg.TextLang)
	v.Set("ref_audio_path", resolveRefAudio(cfg.RefAudioPath))
	v.Set("prompt_text", cfg.PromptText)
	v.Set("prompt_lang", cfg.PromptLang)
	v.Set("streaming_mode", strconv.FormatBool(cfg.StreamingMode))
	v.Set("parallel_infer", strconv.FormatBool(cfg.ParallelInfer))
	v.Set("media_type", cfg.MediaType)
	v.Set("batch_size", strconv.Itoa(cfg.BatchSize))
	v.Set("top_k", strconv.Itoa(cfg.TopK))
	v.Set("top_p", formatFloat(cfg.TopP))
	v.Set("temperature", formatFloat(cfg.Temperature))
	v.Set("text_split_method", cfg.TextSplitMethod)
	v.Set("speed_factor", formatFloat(cfg.SpeedFactor))
	v.Set("fragment_interval", formatFloat(cfg.FragmentInterval))
	v.Set("repetition_penalty", formatFloat(cfg.RepetitionPenalty))
	v.Set("seed", strconv.Itoa(cfg.Seed))
	return v
}

// resolveRefAudio makes a relative reference clip absolute when it exists
// locally; the server resolves paths against its own working directory.
func resolveRefAudio(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
