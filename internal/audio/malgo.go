package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoHost implements Host on top of miniaudio.
type MalgoHost struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

func NewMalgoHost(log *slog.Logger) (*MalgoHost, error) {
	log = log.With(slog.String("component", "audio-host"))
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoHost{ctx: ctx, log: log}, nil
}

func (h *MalgoHost) Close() error {
	if h == nil || h.ctx == nil {
		return nil
	}
	err := h.ctx.Uninit()
	h.ctx.Free()
	h.ctx = nil
	return err
}

func (h *MalgoHost) Devices(kind DeviceKind) ([]Device, error) {
	infos, err := h.ctx.Devices(malgoType(kind))
	if err != nil {
		return nil, fmt.Errorf("enumerate %s devices: %w", kind, err)
	}
	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, Device{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

func (h *MalgoHost) OpenOutput(cfg StreamConfig, fill func(out []int16)) (Stream, error) {
	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	if cfg.Device != nil {
		id, err := h.deviceID(malgo.Playback, *cfg.Device)
		if err != nil {
			return nil, err
		}
		devCfg.Playback.DeviceID = id.Pointer()
	}

	channels := cfg.Channels
	scratch := make([]int16, cfg.PeriodFrames*channels)
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			n := int(frames) * channels
			if cap(scratch) < n {
				scratch = make([]int16, n)
			}
			samples := scratch[:n]
			fill(samples)
			for i, s := range samples {
				binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
			}
		},
	}
	dev, err := malgo.InitDevice(h.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open output device: %w", err)
	}
	return &malgoStream{dev: dev}, nil
}

func (h *MalgoHost) OpenInput(cfg StreamConfig, capture func(in []int16)) (Stream, error) {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	if cfg.PeriodFrames > 0 {
		devCfg.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	}
	if cfg.Device != nil {
		id, err := h.deviceID(malgo.Capture, *cfg.Device)
		if err != nil {
			return nil, err
		}
		devCfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			samples := make([]int16, len(in)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(in[i*2:]))
			}
			capture(samples)
		},
	}
	dev, err := malgo.InitDevice(h.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}
	return &malgoStream{dev: dev}, nil
}

func (h *MalgoHost) deviceID(kind malgo.DeviceType, index int) (*malgo.DeviceID, error) {
	infos, err := h.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}
	id := infos[index].ID
	return &id, nil
}

func malgoType(kind DeviceKind) malgo.DeviceType {
	if kind == Input {
		return malgo.Capture
	}
	return malgo.Playback
}

type malgoStream struct {
	dev  *malgo.Device
	once sync.Once
}

func (s *malgoStream) Start() error { return s.dev.Start() }

func (s *malgoStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.dev.Stop()
		s.dev.Uninit()
	})
	return err
}
