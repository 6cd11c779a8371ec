package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/miko-core/internal/queue"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	mu      sync.Mutex
	running bool
	starts  []int
	devices []*int
}

func (p *recordingPlayer) Start(q *queue.Queue[[]int16], sampleRate int, device *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.starts = append(p.starts, sampleRate)
	p.devices = append(p.devices, device)
}

func (p *recordingPlayer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *recordingPlayer) Wait(context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) Starts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.starts...)
}

// buildTestWAV returns a 16-bit mono PCM WAV with the given samples.
func buildTestWAV(sampleRate int, samples []int16) []byte {
	var buf bytes.Buffer
	dataSize := uint32(len(samples) * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	for _, s := range samples {
		_ = binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

func drainSamples(q *queue.Queue[[]int16]) []int16 {
	var out []int16
	for _, chunk := range q.Drain() {
		out = append(out, chunk...)
	}
	return out
}

func TestDecoderParsesHeaderFromSingleChunk(t *testing.T) {
	q := queue.New[[]int16]()
	player := &recordingPlayer{}
	dec := NewDecoder(q, player, nil, 32000, newLogger())

	dec.Feed(buildTestWAV(24000, []int16{1, -2, 3, -4}))
	if !dec.HeaderParsed() || dec.SampleRate() != 24000 {
		t.Fatalf("expected parsed header at 24000, got parsed=%v rate=%d", dec.HeaderParsed(), dec.SampleRate())
	}
	got := drainSamples(q)
	want := []int16{1, -2, 3, -4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if starts := player.Starts(); len(starts) != 1 || starts[0] != 24000 {
		t.Fatalf("expected one start at 24000, got %v", starts)
	}
}

func TestDecoderWaitsForCompleteHeader(t *testing.T) {
	q := queue.New[[]int16]()
	player := &recordingPlayer{}
	dec := NewDecoder(q, player, nil, 32000, newLogger())
	wav := buildTestWAV(16000, []int16{10, 20, 30})

	for i := 0; i < 40; i++ {
		dec.Feed(wav[i : i+1])
	}
	if dec.HeaderParsed() {
		t.Fatal("header must not parse from 40 bytes")
	}
	if dec.SampleRate() != 32000 {
		t.Fatalf("expected default rate before header, got %d", dec.SampleRate())
	}
	if !q.Empty() || len(player.Starts()) != 0 {
		t.Fatal("nothing should be queued or started before the header")
	}

	dec.Feed(wav[40:])
	if !dec.HeaderParsed() || dec.SampleRate() != 16000 {
		t.Fatalf("expected header at 16000, got rate %d", dec.SampleRate())
	}
	if got := drainSamples(q); len(got) != 3 || got[0] != 10 || got[2] != 30 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestDecoderCarriesOddByte(t *testing.T) {
	q := queue.New[[]int16]()
	dec := NewDecoder(q, &recordingPlayer{}, nil, 32000, newLogger())
	wav := buildTestWAV(32000, []int16{0x0102, 0x0304})

	dec.Feed(wav[:45])
	if got := drainSamples(q); len(got) != 0 {
		t.Fatalf("a lone trailing byte must not produce a sample, got %v", got)
	}
	dec.Feed(wav[45:47])
	dec.Feed(wav[47:])
	got := drainSamples(q)
	if len(got) != 2 || got[0] != 0x0102 || got[1] != 0x0304 {
		t.Fatalf("expected [258 772], got %v", got)
	}
	if dec.Samples() != 2 {
		t.Fatalf("expected 2 samples counted, got %d", dec.Samples())
	}
}

func TestDecoderIgnoresEmptyChunks(t *testing.T) {
	q := queue.New[[]int16]()
	player := &recordingPlayer{}
	dec := NewDecoder(q, player, nil, 32000, newLogger())
	dec.Feed(nil)
	dec.Feed([]byte{})
	dec.Feed(buildTestWAV(22050, nil))
	dec.Feed(nil)
	if !dec.HeaderParsed() {
		t.Fatal("expected header to parse")
	}
	if !q.Empty() || len(player.Starts()) != 0 {
		t.Fatal("header-only stream must not start playback")
	}
}

func TestDecoderStartsWithSelectedDevice(t *testing.T) {
	q := queue.New[[]int16]()
	player := &recordingPlayer{}
	idx := 3
	dec := NewDecoder(q, player, func() *int { return &idx }, 32000, newLogger())
	dec.Feed(buildTestWAV(32000, []int16{1}))
	dec.Feed([]byte{2, 0})

	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.devices) != 1 || player.devices[0] == nil || *player.devices[0] != 3 {
		t.Fatalf("expected a single start on device 3, got %v", player.devices)
	}
}
