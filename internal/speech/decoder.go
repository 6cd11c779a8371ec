package speech

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/go-audio/wav"
	"github.com/loqalabs/miko-core/internal/queue"
)

// minHeaderBytes is the smallest possible RIFF/WAVE header (RIFF, fmt, data).
const minHeaderBytes = 44

// Decoder turns one TTS response body, delivered in arbitrary chunks, into
// PCM sample blocks on the playback queue. It is not safe for concurrent use;
// each utterance gets its own Decoder.
type Decoder struct {
	q      *queue.Queue[[]int16]
	player Player
	device func() *int
	log    *slog.Logger

	scratch    []byte
	carry      []byte
	parsed     bool
	sampleRate int
	samples    int
	onAudio    func()
}

func NewDecoder(q *queue.Queue[[]int16], player Player, device func() *int, defaultRate int, log *slog.Logger) *Decoder {
	if device == nil {
		device = func() *int { return nil }
	}
	return &Decoder{
		q:          q,
		player:     player,
		device:     device,
		log:        log,
		sampleRate: defaultRate,
	}
}

// Feed consumes the next response chunk. Until a WAV header parses, bytes are
// accumulated; afterwards they are little-endian 16-bit mono PCM.
func (d *Decoder) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if d.parsed {
		d.push(chunk)
		return
	}

	d.scratch = append(d.scratch, chunk...)
	rate, offset, ok := parseWAVHeader(d.scratch)
	if !ok {
		return
	}
	d.parsed = true
	d.sampleRate = rate
	rest := d.scratch[offset:]
	d.scratch = nil
	d.log.Debug("wav header parsed", slog.Int("sample_rate", rate), slog.Int("header_bytes", offset))
	d.push(rest)
}

func (d *Decoder) push(data []byte) {
	if len(d.carry) > 0 {
		data = append(d.carry, data...)
		d.carry = nil
	}
	if len(data)%2 == 1 {
		d.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	d.q.Push(samples)
	if d.samples == 0 && d.onAudio != nil {
		d.onAudio()
	}
	d.samples += len(samples)

	if !d.player.Running() {
		d.player.Start(d.q, d.sampleRate, d.device())
	}
}

func (d *Decoder) HeaderParsed() bool { return d.parsed }

// SampleRate is the rate from the header, or the default until one parsed.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Samples counts PCM samples pushed so far.
func (d *Decoder) Samples() int { return d.samples }

// parseWAVHeader reports the sample rate and the offset of the first PCM
// byte once buf holds a complete header. Any failure means more bytes are
// needed.
func parseWAVHeader(buf []byte) (rate int, offset int, ok bool) {
	if len(buf) < minHeaderBytes {
		return 0, 0, false
	}
	r := bytes.NewReader(buf)
	dec := wav.NewDecoder(r)
	if err := dec.FwdToPCM(); err != nil {
		return 0, 0, false
	}
	if dec.SampleRate == 0 {
		return 0, 0, false
	}
	return int(dec.SampleRate), len(buf) - r.Len(), true
}
