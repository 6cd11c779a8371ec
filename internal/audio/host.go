// Package audio enumerates host audio devices and plays queued PCM through a
// hardware-driven output stream.
package audio

// DeviceKind selects playback or capture devices.
type DeviceKind int

const (
	Output DeviceKind = iota
	Input
)

func (k DeviceKind) String() string {
	if k == Input {
		return "input"
	}
	return "output"
}

// Device is one entry of the host enumeration. Index is its position in that
// enumeration and is what gets persisted.
type Device struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// StreamConfig describes a mono or multi-channel signed 16-bit stream. A nil
// Device means the system default.
type StreamConfig struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	Device       *int
}

// Stream is an opened hardware stream.
type Stream interface {
	Start() error
	Close() error
}

// Host is the audio backend. fill and capture run on the backend's real-time
// thread and must not block.
type Host interface {
	Devices(kind DeviceKind) ([]Device, error)
	OpenOutput(cfg StreamConfig, fill func(out []int16)) (Stream, error)
	OpenInput(cfg StreamConfig, capture func(in []int16)) (Stream, error)
}
