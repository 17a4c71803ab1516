package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

const DefaultFrameSize = 4096

var ErrNotConnected = errors.New("audio: uplink not connected")

// Gate reports whether the streaming uplink is up. Capture refuses to start
// while it is down.
type Gate interface {
	Connected() bool
}

// Frame is one block of mono samples in [-1, 1].
type Frame []float32

// PCM returns the frame as 16-bit samples. Capture divides by 32768, so
// frames built from device data come back exactly as captured.
func (f Frame) PCM() []int16 {
	out := make([]int16, len(f))
	for i, v := range f {
		if math.IsNaN(float64(v)) {
			continue
		}
		out[i] = int16(max(-32768, min(32767, math.Round(float64(v)*32768))))
	}
	return out
}

// FrameSource turns a capture device's int16 callbacks into fixed-size float
// frames. A new capture device is opened on every Start and closed on Stop.
type FrameSource struct {
	ctx       Context
	device    *DeviceInfo
	config    CaptureConfig
	frameSize int
	gate      Gate

	mu      sync.Mutex
	capture CaptureDevice
	pending []float32
	onFrame func(Frame)
	frames  uint64
}

func NewFrameSource(ctx Context, device *DeviceInfo, sampleRate, frameSize int, gate Gate) *FrameSource {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &FrameSource{
		ctx:       ctx,
		device:    device,
		config:    CaptureConfig{SampleRate: uint32(sampleRate), Channels: 1},
		frameSize: frameSize,
		gate:      gate,
	}
}

func (s *FrameSource) SampleRate() int { return int(s.config.SampleRate) }
func (s *FrameSource) FrameSize() int  { return s.frameSize }

func (s *FrameSource) DeviceName() string {
	if s.device != nil {
		return s.device.Name
	}
	return "system default"
}

// Start opens the device and delivers frames to onFrame from the capture
// goroutine until Stop. It fails with ErrNotConnected when the gate is closed
// and with a *DeviceError when the device cannot be used.
func (s *FrameSource) Start(onFrame func(Frame)) error {
	if s.gate != nil && !s.gate.Connected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	running := s.capture != nil
	s.mu.Unlock()
	if running {
		return errors.New("audio: capture already running")
	}

	capture, err := s.ctx.NewCapture(s.device, s.config)
	if err != nil {
		return &DeviceError{Op: "open", Err: err}
	}

	s.mu.Lock()
	s.capture = capture
	s.pending = make([]float32, 0, s.frameSize)
	s.onFrame = onFrame
	s.frames = 0
	s.mu.Unlock()

	// The callback may fire before Start returns, so s.mu must not be held here.
	capture.SetCallback(s.handle)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		s.mu.Lock()
		s.capture = nil
		s.onFrame = nil
		s.pending = nil
		s.mu.Unlock()
		return &DeviceError{Op: "start", Err: err}
	}
	return nil
}

// Stop halts capture. A trailing partial frame is still delivered so the raw
// recording keeps every captured sample.
func (s *FrameSource) Stop() {
	s.mu.Lock()
	capture := s.capture
	s.capture = nil
	s.mu.Unlock()
	if capture == nil {
		return
	}
	// Stop drains the device through the callback, so it is cleared after.
	capture.Stop()
	capture.ClearCallback()
	capture.Close()

	s.mu.Lock()
	tail := s.pending
	cb := s.onFrame
	s.pending = nil
	s.onFrame = nil
	s.mu.Unlock()
	if len(tail) > 0 && cb != nil {
		cb(Frame(tail))
	}
}

// Frames returns how many frames were delivered since the last Start.
func (s *FrameSource) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *FrameSource) handle(data []byte, _ uint32) {
	var ready []Frame

	s.mu.Lock()
	cb := s.onFrame
	for i := 0; i+1 < len(data); i += 2 {
		v := int16(binary.LittleEndian.Uint16(data[i:]))
		s.pending = append(s.pending, float32(v)/32768)
		if len(s.pending) == s.frameSize {
			ready = append(ready, Frame(s.pending))
			s.pending = make([]float32, 0, s.frameSize)
			s.frames++
		}
	}
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, f := range ready {
		cb(f)
	}
}
