package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/protocol"
)

const (
	minRecording = 500 * time.Millisecond
	// silenceLevel is 0.001 of full scale.
	silenceLevel = 33
)

var (
	ErrTooShort = errors.New("recording too short")
	ErrSilent   = errors.New("recording is silent")
)

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Service owns push-to-talk recording. Begin starts capturing from the
// selected input device; End stops, transcribes and hands the text to the
// configured handler.
type Service struct {
	cfg        config.ASRConfig
	host       audio.Host
	device     func() *int
	recognizer Recognizer
	onText     func(ctx context.Context, text string)
	publisher  Publisher
	logger     *slog.Logger

	mu      sync.Mutex
	current *capture
	now     func() time.Time
}

type Option func(*Service)

// WithPublisher mirrors final transcripts onto the bus.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithInputDevice(device func() *int) Option { return func(s *Service) { s.device = device } }

func NewService(cfg config.ASRConfig, host audio.Host, recognizer Recognizer, onText func(ctx context.Context, text string), logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		host:       host,
		device:     func() *int { return nil },
		recognizer: recognizer,
		onText:     onText,
		logger:     logger.With(slog.String("component", "asr")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Service) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrAlreadyRecording
	}
	limit := s.cfg.SampleRate * s.cfg.MaxRecordingMS / 1000
	c, err := startCapture(s.host, s.cfg.SampleRate, s.device(), limit)
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	s.current = c
	s.logger.Info("recording started", slog.String("key", s.cfg.PushToTalkKey))
	return nil
}

// End stops recording and transcribes. It returns the recognized text after
// passing it to the handler.
func (s *Service) End(ctx context.Context) (string, error) {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return "", ErrNotRecording
	}
	pcm := c.stop()

	duration := time.Duration(len(pcm)) * time.Second / time.Duration(s.cfg.SampleRate)
	if duration < minRecording {
		s.logger.Info("recording discarded", slog.Duration("duration", duration))
		return "", ErrTooShort
	}
	level := peak(pcm)
	if level < silenceLevel {
		s.logger.Info("recording discarded as silent", slog.Int("peak", level))
		return "", ErrSilent
	}
	s.logger.Info("recording complete", slog.Duration("duration", duration), slog.Int("peak", level))

	result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if result.Text == "" {
		return "", nil
	}
	if s.publisher != nil {
		msg := protocol.Transcript{Text: result.Text, Confidence: result.Confidence, Timestamp: s.now().UTC()}
		if err := s.publisher.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
			s.logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
		}
	}
	if s.onText != nil {
		s.onText(ctx, result.Text)
	}
	return result.Text, nil
}

// Toggle starts a recording, or ends the running one.
func (s *Service) Toggle(ctx context.Context) (string, error) {
	if s.Recording() {
		return s.End(ctx)
	}
	return "", s.Begin()
}

func peak(pcm []int16) int {
	m := 0
	for _, v := range pcm {
		a := int(v)
		if a < 0 {
			a = -a
		}
		if a > m {
			m = a
		}
	}
	return m
}
