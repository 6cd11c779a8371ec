// Package asr records push-to-talk audio from the selected input device and
// turns it into chat input.
package asr

import (
	"context"
	"fmt"

	"github.com/loqalabs/miko-core/internal/config"
)

// Result is recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes one mono 16-bit recording.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (Result, error)
}

func NewRecognizer(cfg config.ASRConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown asr mode %q", cfg.Mode)
	}
}
