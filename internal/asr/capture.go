package asr

import (
	"errors"
	"sync"

	"github.com/loqalabs/miko-core/internal/audio"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// capture buffers samples from one input stream. The callback appends under
// a mutex and stops growing at limit samples.
type capture struct {
	stream audio.Stream

	mu      sync.Mutex
	samples []int16
	limit   int
}

func startCapture(host audio.Host, sampleRate int, device *int, limit int) (*capture, error) {
	c := &capture{limit: limit}
	stream, err := host.OpenInput(audio.StreamConfig{
		SampleRate:   sampleRate,
		Channels:     1,
		PeriodFrames: sampleRate / 10,
		Device:       device,
	}, c.append)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	c.stream = stream
	return c, nil
}

func (c *capture) append(in []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - len(c.samples)
	if room <= 0 {
		return
	}
	if len(in) > room {
		in = in[:room]
	}
	c.samples = append(c.samples, in...)
}

func (c *capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// stop closes the stream and returns what was recorded.
func (c *capture) stop() []int16 {
	_ = c.stream.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}
