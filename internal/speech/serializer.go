package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/miko-core/internal/animation"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/miko-core/speech"

// ErrShutdownTimeout is returned when the worker does not exit in time. The
// worker keeps running in the background.
var ErrShutdownTimeout = errors.New("speech worker did not stop before timeout")

// Source names the producer of an utterance.
type Source string

const (
	SourceConsole Source = "console"
	SourceLLM     Source = "llm"
	SourceASR     Source = "asr"
	SourceBus     Source = "bus"
	SourceAPI     Source = "api"
	SourceSystem  Source = "system"
)

// Utterance is one unit of text to speak.
type Utterance struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Seq         uint64    `json:"seq"`
	Source      Source    `json:"source"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Synthesizer opens a streamed WAV response for text.
type Synthesizer interface {
	Stream(ctx context.Context, text string) (io.ReadCloser, error)
}

// Player is the playback side the decoder feeds.
type Player interface {
	Start(q *queue.Queue[[]int16], sampleRate int, device *int)
	Running() bool
	Wait(ctx context.Context) error
}

// Signaler receives start/end notifications. It must not block.
type Signaler interface {
	Notify(kind animation.Kind, text string) bool
}

// Recorder persists utterance lifecycle events.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload any)
}

type Options struct {
	MaxAttempts       int
	RetryBackoff      time.Duration
	PollTimeout       time.Duration
	ReadChunkBytes    int
	DefaultSampleRate int
}

func OptionsFromConfig(tts config.TTSConfig, playback config.PlaybackConfig) Options {
	return Options{
		MaxAttempts:       tts.MaxAttempts,
		RetryBackoff:      time.Duration(tts.RetryBackoffMS) * time.Millisecond,
		PollTimeout:       time.Second,
		ReadChunkBytes:    tts.ReadChunkBytes,
		DefaultSampleRate: playback.DefaultSampleRate,
	}
}

// Serializer speaks submitted utterances one at a time in submission order.
type Serializer struct {
	synth    Synthesizer
	player   Player
	signals  Signaler
	recorder Recorder
	device   func() *int
	opts     Options
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	pending *queue.Queue[Utterance]
	chunks  *queue.Queue[[]int16]

	// submitMu keeps seq order and queue order identical.
	submitMu sync.Mutex
	seq      atomic.Uint64
	inFlight atomic.Bool
	started  atomic.Bool
	done     chan struct{}

	metrics serializerMetrics
}

type serializerMetrics struct {
	utterances metric.Int64Counter
	attempts   metric.Int64Counter
	firstAudio metric.Float64Histogram
}

// Option configures a Serializer.
type Option func(*Serializer)

func WithRecorder(r Recorder) Option { return func(s *Serializer) { s.recorder = r } }

// WithDevice sets the lookup for the output device used when a playback
// session starts.
func WithDevice(device func() *int) Option { return func(s *Serializer) { s.device = device } }

// WithSleep replaces the retry backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Serializer) { s.sleep = sleep }
}

func WithClock(now func() time.Time) Option { return func(s *Serializer) { s.now = now } }

func NewSerializer(synth Synthesizer, player Player, signals Signaler, opts Options, log *slog.Logger, options ...Option) *Serializer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.ReadChunkBytes <= 0 {
		opts.ReadChunkBytes = 4096
	}
	if opts.DefaultSampleRate <= 0 {
		opts.DefaultSampleRate = 32000
	}
	s := &Serializer{
		synth:   synth,
		player:  player,
		signals: signals,
		device:  func() *int { return nil },
		opts:    opts,
		log:     log.With(slog.String("component", "speech")),
		sleep:   sleepContext,
		now:     time.Now,
		pending: queue.New[Utterance](),
		chunks:  queue.New[[]int16](),
		done:    make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if err := s.initMetrics(otel.Meter(meterName)); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Serializer) initMetrics(meter metric.Meter) error {
	var err error
	s.metrics.utterances, err = meter.Int64Counter("miko_utterances_total",
		metric.WithDescription("Utterances processed by final status"))
	if err != nil {
		return err
	}
	s.metrics.attempts, err = meter.Int64Counter("miko_tts_attempts_total",
		metric.WithDescription("TTS HTTP requests issued"))
	if err != nil {
		return err
	}
	s.metrics.firstAudio, err = meter.Float64Histogram("miko_tts_first_audio_seconds",
		metric.WithDescription("Time from dequeue to first PCM sample queued"),
		metric.WithUnit("s"))
	return err
}

// Start launches the worker. It exits on Shutdown or when ctx is cancelled.
func (s *Serializer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Submit records and enqueues text. It never waits for speech. Blank text is
// rejected.
func (s *Serializer) Submit(text string, source Source) (Utterance, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.log.Debug("ignoring empty utterance", slog.String("source", string(source)))
		return Utterance{}, false
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	u := Utterance{
		ID:          uuid.NewString(),
		Text:        text,
		Seq:         s.seq.Add(1),
		Source:      source,
		SubmittedAt: s.now().UTC(),
	}
	// Queued is on record before the worker can see u.
	s.record(context.Background(), "utterance.queued", u)
	s.pending.Push(u)
	return u, true
}

// Shutdown asks the worker to exit after the items already queued and waits
// up to timeout for it.
func (s *Serializer) Shutdown(timeout time.Duration) error {
	s.pending.Push(Utterance{})
	if !s.started.Load() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		s.log.Warn("speech worker still busy at shutdown", slog.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

// InFlight reports whether an utterance is being synthesized or played.
func (s *Serializer) InFlight() bool { return s.inFlight.Load() }

// Pending counts queued utterances.
func (s *Serializer) Pending() int { return s.pending.Len() }

func (s *Serializer) run(ctx context.Context) {
	defer close(s.done)
	s.log.Info("speech worker started")
	for {
		u, ok := s.pending.PopWait(ctx, s.opts.PollTimeout)
		if !ok {
			if ctx.Err() != nil {
				s.log.Info("speech worker cancelled")
				return
			}
			continue
		}
		if u.Text == "" {
			s.log.Info("speech worker stopped")
			return
		}
		s.speak(ctx, u)
	}
}

func (s *Serializer) speak(ctx context.Context, u Utterance) {
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)

	log := s.log.With(slog.String("utterance_id", u.ID), slog.Uint64("seq", u.Seq))
	s.signal(animation.KindSpeechStart, u.Text)
	defer s.signal(animation.KindSpeechEnd, "")
	s.record(ctx, "utterance.started", u)

	status := "completed"
	if err := s.synthesize(ctx, u, log); err != nil {
		status = "abandoned"
		log.Warn("utterance abandoned", slogError(err))
	}
	if err := s.player.Wait(ctx); err != nil {
		log.Warn("playback wait interrupted", slogError(err))
	}

	s.metrics.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	s.record(ctx, "utterance."+status, u)
	log.Info("utterance finished", slog.String("status", status))
}

func (s *Serializer) synthesize(ctx context.Context, u Utterance, log *slog.Logger) error {
	dequeued := s.now()
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.RetryBackoff); err != nil {
				return err
			}
		}
		s.metrics.attempts.Add(context.Background(), 1)
		queued, err := s.attempt(ctx, u, dequeued)
		if err == nil {
			log.Debug("tts stream complete", slog.Int("attempt", attempt), slog.Int("samples", queued))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if queued > 0 {
			return fmt.Errorf("stream interrupted after audio was queued: %w", err)
		}
		log.Warn("tts request failed", slog.Int("attempt", attempt), slog.Int("max_attempts", s.opts.MaxAttempts), slogError(err))
	}
	return fmt.Errorf("tts failed after %d attempts: %w", s.opts.MaxAttempts, lastErr)
}

// attempt runs one request and feeds the body through a fresh decoder. It
// returns the number of samples queued.
func (s *Serializer) attempt(ctx context.Context, u Utterance, dequeued time.Time) (int, error) {
	body, err := s.synth.Stream(ctx, u.Text)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dec := NewDecoder(s.chunks, s.player, s.device, s.opts.DefaultSampleRate, s.log)
	dec.onAudio = func() {
		s.metrics.firstAudio.Record(context.Background(), s.now().Sub(dequeued).Seconds())
	}
	buf := make([]byte, s.opts.ReadChunkBytes)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dec.Samples(), fmt.Errorf("read tts stream: %w", err)
		}
	}
	if !dec.HeaderParsed() {
		return 0, errors.New("tts stream ended before a wav header")
	}
	return dec.Samples(), nil
}

func (s *Serializer) signal(kind animation.Kind, text string) {
	if s.signals == nil {
		return
	}
	if !s.signals.Notify(kind, text) {
		s.log.Debug("animation signal skipped", slog.String("type", string(kind)))
	}
}

func (s *Serializer) record(ctx context.Context, eventType string, u Utterance) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, eventType, u)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
