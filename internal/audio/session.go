package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/miko-core/internal/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// session is one reply's worth of playback. buf is written by prebuffer
// before the stream opens and by fill afterwards, never concurrently.
type session struct {
	engine     *Engine
	q          *queue.Queue[[]int16]
	sampleRate int
	device     *int
	opts       Options
	log        *slog.Logger

	buf  []int16
	last int16

	buffered  atomic.Int64
	underruns atomic.Int64
	running   atomic.Bool

	idle   idleTracker
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(e *Engine, q *queue.Queue[[]int16], sampleRate int, device *int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		engine:     e,
		q:          q,
		sampleRate: sampleRate,
		device:     clone(device),
		opts:       e.opts,
		log:        e.log.With(slog.Int("sample_rate", sampleRate), slog.String("device", deviceLabel(device))),
		idle:       idleTracker{timeout: e.opts.IdleTimeout},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

func (s *session) stop() { s.cancel() }

func (s *session) run() {
	outcome := "drained"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			s.log.Error("playback session panicked", slog.String("panic", fmt.Sprint(r)))
		}
		s.cancel()
		s.running.Store(false)
		if s.engine.metrics.sessions != nil {
			s.engine.metrics.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		close(s.done)
	}()

	buffered := s.prebuffer()
	if s.ctx.Err() != nil {
		outcome = "stopped"
		s.log.Info("playback stopped before output opened", slog.Int("buffered_samples", len(s.buf)))
		return
	}
	if !buffered {
		outcome = "empty"
		s.log.Info("no audio buffered, abandoning playback session")
		return
	}
	queued := s.requeue()
	total := len(s.buf) + queued
	s.log.Debug("prebuffer complete",
		slog.Int("buffered_samples", len(s.buf)),
		slog.Int("queued_samples", queued),
		slog.Duration("estimated", time.Duration(total)*time.Second/time.Duration(s.sampleRate)))

	stream, err := s.engine.host.OpenOutput(StreamConfig{
		SampleRate:   s.sampleRate,
		Channels:     1,
		PeriodFrames: s.opts.BlockSize,
		Device:       s.device,
	}, s.fill)
	if err != nil {
		outcome = "device_error"
		s.log.Error("failed to open output stream", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.log.Warn("failed to close output stream", slog.String("error", err.Error()))
		}
	}()
	if err := stream.Start(); err != nil {
		outcome = "device_error"
		s.log.Error("failed to start output stream", slog.String("error", err.Error()))
		return
	}
	s.log.Info("playback started")

	if s.supervise() {
		outcome = "stopped"
	}
	s.log.Info("playback finished", slog.String("outcome", outcome))
}

// prebuffer accumulates queued chunks until the target is reached, the
// window closes, or a poll comes back empty. It reports whether anything
// was buffered.
func (s *session) prebuffer() bool {
	deadline := s.engine.now().Add(s.opts.PrebufferTimeout)
	for len(s.buf) < s.opts.PrebufferSamples {
		remaining := deadline.Sub(s.engine.now())
		if remaining <= 0 {
			break
		}
		chunk, ok := s.q.PopWait(s.ctx, min(s.opts.PrebufferPoll, remaining))
		if !ok {
			break
		}
		s.buf = append(s.buf, chunk...)
	}
	s.buffered.Store(int64(len(s.buf)))
	return len(s.buf) > 0
}

// requeue measures what is still queued without consuming it.
func (s *session) requeue() int {
	pending := s.q.Drain()
	total := 0
	for _, chunk := range pending {
		total += len(chunk)
	}
	s.q.Restore(pending)
	return total
}

// fill is the output callback. It never waits: at most MaxPullAttempts
// non-blocking pulls, then padding with the last emitted sample.
func (s *session) fill(out []int16) {
	for i := 0; i < s.opts.MaxPullAttempts && len(s.buf) < len(out); i++ {
		chunk, ok := s.q.TryPop()
		if !ok {
			break
		}
		s.buf = append(s.buf, chunk...)
	}

	n := copy(out, s.buf)
	if n > 0 {
		s.last = out[n-1]
		s.buf = s.buf[n:]
	} else {
		s.underruns.Add(1)
	}
	for i := n; i < len(out); i++ {
		out[i] = s.last
	}
	s.buffered.Store(int64(len(s.buf)))
}

// supervise polls until the session drains or is stopped. It reports true
// when stopped externally.
func (s *session) supervise() bool {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	underrunLog := rate.Sometimes{Interval: time.Second}
	for {
		select {
		case <-s.ctx.Done():
			return true
		case <-ticker.C:
		}
		if n := s.underruns.Swap(0); n > 0 {
			if s.engine.metrics.underruns != nil {
				s.engine.metrics.underruns.Add(context.Background(), n)
			}
			underrunLog.Do(func() {
				s.log.Debug("playback underrun", slog.Int64("blocks", n))
			})
		}
		if s.step(s.engine.now()) {
			return false
		}
	}
}

// step applies one supervision tick at now and reports whether the session
// has been idle long enough to finish.
func (s *session) step(now time.Time) bool {
	empty := s.buffered.Load() == 0 && s.q.Empty()
	return s.idle.observe(empty, now)
}

// idleTracker reports when observations have been empty for at least
// timeout without interruption.
type idleTracker struct {
	timeout time.Duration
	since   time.Time
	idle    bool
}

func (t *idleTracker) observe(empty bool, now time.Time) bool {
	if !empty {
		t.idle = false
		return false
	}
	if !t.idle {
		t.idle = true
		t.since = now
	}
	return now.Sub(t.since) >= t.timeout
}

func deviceLabel(device *int) string {
	if device == nil {
		return "default"
	}
	return fmt.Sprintf("%d", *device)
}
