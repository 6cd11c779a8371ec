package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/miko-core/audio"

// Options tunes a playback session.
type Options struct {
	PrebufferSamples int
	BlockSize        int
	PrebufferTimeout time.Duration
	PrebufferPoll    time.Duration
	IdleTimeout      time.Duration
	PollInterval     time.Duration
	MaxPullAttempts  int
}

func OptionsFromConfig(cfg config.PlaybackConfig) Options {
	return Options{
		PrebufferSamples: cfg.PrebufferSamples,
		BlockSize:        cfg.BlockSize,
		PrebufferTimeout: time.Duration(cfg.PrebufferTimeoutMS) * time.Millisecond,
		PrebufferPoll:    time.Duration(cfg.PrebufferPollMS) * time.Millisecond,
		IdleTimeout:      time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		PollInterval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		MaxPullAttempts:  cfg.MaxPullAttempts,
	}
}

// Engine runs at most one playback session at a time.
type Engine struct {
	host    Host
	opts    Options
	log     *slog.Logger
	now     func() time.Time
	metrics engineMetrics

	mu      sync.Mutex
	current *session
}

type engineMetrics struct {
	sessions  metric.Int64Counter
	underruns metric.Int64Counter
}

func NewEngine(host Host, opts Options, log *slog.Logger) *Engine {
	e := &Engine{
		host: host,
		opts: opts,
		log:  log.With(slog.String("component", "playback")),
		now:  time.Now,
	}
	if err := e.initMetrics(otel.Meter(meterName)); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

func (e *Engine) initMetrics(meter metric.Meter) error {
	var err error
	e.metrics.sessions, err = meter.Int64Counter("miko_playback_sessions_total",
		metric.WithDescription("Playback sessions by outcome"))
	if err != nil {
		return err
	}
	e.metrics.underruns, err = meter.Int64Counter("miko_playback_underruns_total",
		metric.WithDescription("Output blocks padded because no samples were buffered"))
	return err
}

// Start begins a session reading from q unless one is already running.
// Stream failures are logged and end the session.
func (e *Engine) Start(q *queue.Queue[[]int16], sampleRate int, device *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.running.Load() {
		return
	}
	if sampleRate <= 0 {
		e.log.Error("refusing to start playback", slog.Int("sample_rate", sampleRate))
		return
	}
	s := newSession(e, q, sampleRate, device)
	e.current = s
	go s.run()
}

// Stop ends the current session, if any. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.running.Load()
}

// Wait blocks until the current session has torn down.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
