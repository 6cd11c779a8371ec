// Package audiotest provides an in-memory audio Host for tests.
package audiotest

import (
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/audio"
)

// Host records everything played through it. Output callbacks are pumped
// every Period (1ms when zero) on a dedicated goroutine.
type Host struct {
	Outputs []audio.Device
	Inputs  []audio.Device
	OpenErr error
	Period  time.Duration
	// Capture is delivered to input callbacks in PeriodFrames-sized pieces.
	Capture []int16

	mu      sync.Mutex
	played  []int16
	configs []audio.StreamConfig
	open    int
}

func (h *Host) Devices(kind audio.DeviceKind) ([]audio.Device, error) {
	if kind == audio.Input {
		return h.Inputs, nil
	}
	return h.Outputs, nil
}

func (h *Host) OpenOutput(cfg audio.StreamConfig, fill func(out []int16)) (audio.Stream, error) {
	if h.OpenErr != nil {
		return nil, h.OpenErr
	}
	h.mu.Lock()
	h.configs = append(h.configs, cfg)
	h.mu.Unlock()
	frames := cfg.PeriodFrames
	if frames <= 0 {
		frames = 256
	}
	return h.newStream(func() {
		buf := make([]int16, frames*max(cfg.Channels, 1))
		fill(buf)
		h.mu.Lock()
		h.played = append(h.played, buf...)
		h.mu.Unlock()
	}), nil
}

func (h *Host) OpenInput(cfg audio.StreamConfig, capture func(in []int16)) (audio.Stream, error) {
	if h.OpenErr != nil {
		return nil, h.OpenErr
	}
	h.mu.Lock()
	h.configs = append(h.configs, cfg)
	pending := append([]int16(nil), h.Capture...)
	h.mu.Unlock()
	frames := cfg.PeriodFrames
	if frames <= 0 {
		frames = 160
	}
	return h.newStream(func() {
		if len(pending) == 0 {
			return
		}
		n := min(frames, len(pending))
		capture(pending[:n])
		pending = pending[n:]
	}), nil
}

// Played returns a copy of every sample written by output callbacks.
func (h *Host) Played() []int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int16(nil), h.played...)
}

// Configs returns the stream configurations opened so far.
func (h *Host) Configs() []audio.StreamConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]audio.StreamConfig(nil), h.configs...)
}

// OpenStreams reports streams started but not yet closed.
func (h *Host) OpenStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *Host) newStream(tick func()) *stream {
	period := h.Period
	if period <= 0 {
		period = time.Millisecond
	}
	return &stream{host: h, tick: tick, period: period, stop: make(chan struct{}), done: make(chan struct{})}
}

type stream struct {
	host    *Host
	tick    func()
	period  time.Duration
	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
}

func (s *stream) Start() error {
	s.started = true
	s.host.mu.Lock()
	s.host.open++
	s.host.mu.Unlock()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	return nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		if s.started {
			<-s.done
			s.host.mu.Lock()
			s.host.open--
			s.host.mu.Unlock()
		}
	})
	return nil
}
