package asr

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []int16, sampleRate int) (Result, error) {
	seconds := float64(len(pcm)) / float64(max(sampleRate, 1))
	return Result{Text: fmt.Sprintf("[mock transcript %.1fs]", seconds)}, nil
}
