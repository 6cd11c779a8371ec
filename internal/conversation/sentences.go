package conversation

import (
	"strings"
	"unicode/utf8"
)

// sentenceBuffer groups streamed tokens into speakable sentences. A sentence
// is released when a chunk carries terminal punctuation and the buffered
// text is longer than min characters.
type sentenceBuffer struct {
	buf strings.Builder
	min int
}

func newSentenceBuffer(min int) *sentenceBuffer {
	return &sentenceBuffer{min: min}
}

func (b *sentenceBuffer) Push(chunk string) (string, bool) {
	b.buf.WriteString(chunk)
	if !strings.ContainsAny(chunk, ".!?") {
		return "", false
	}
	sentence := strings.TrimSpace(b.buf.String())
	if utf8.RuneCountInString(sentence) <= b.min {
		return "", false
	}
	b.buf.Reset()
	return sentence, true
}

// Flush returns whatever is left, trimmed.
func (b *sentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return rest
}
