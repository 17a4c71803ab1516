package wav

import (
	"sync"
	"time"
)

const DefaultFlushInterval = 3000 * time.Millisecond

// ChunkEncoder accumulates float frames during capture and periodically turns
// them into a streaming chunk: a fixed 44-byte header followed by 16-bit PCM.
//
// The header's RIFF and data sizes describe one nominal interval of audio and
// never change, whatever the payload length. Receivers must take the length
// from the transport frame.
type ChunkEncoder struct {
	header   []byte
	interval time.Duration

	mu        sync.Mutex
	frames    [][]float32
	samples   int
	lastFlush time.Time
	flushes   int
}

func NewChunkEncoder(sampleRate int, interval time.Duration) *ChunkEncoder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &ChunkEncoder{
		header:   StreamHeader(sampleRate, interval),
		interval: interval,
	}
}

// StreamHeader is the header prepended to every streaming chunk. At 48 kHz and
// a 3 s interval it declares a RIFF size of 0x00046524.
func StreamHeader(sampleRate int, interval time.Duration) []byte {
	nominal := uint32(int64(sampleRate) * bytesPerSample * Channels * int64(interval) / int64(time.Second))
	return newHeader(sampleRate, 36+nominal, nominal).bytes()
}

func (e *ChunkEncoder) Interval() time.Duration { return e.interval }

// Reset clears the buffer and restarts the flush clock at now.
func (e *ChunkEncoder) Reset(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = nil
	e.samples = 0
	e.lastFlush = now
	e.flushes = 0
}

// Append adds a frame in arrival order. The frame is copied.
func (e *ChunkEncoder) Append(frame []float32) {
	if len(frame) == 0 {
		return
	}
	f := make([]float32, len(frame))
	copy(f, frame)
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.samples += len(f)
	e.mu.Unlock()
}

// Buffered returns the number of samples waiting for the next flush.
func (e *ChunkEncoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Flush emits a chunk when at least one interval has passed since the last
// flush and the buffer holds samples. Otherwise it returns false and keeps
// the buffer.
func (e *ChunkEncoder) Flush(now time.Time) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 || now.Sub(e.lastFlush) < e.interval {
		return nil, false
	}
	chunk := make([]byte, HeaderSize+e.samples*bytesPerSample)
	copy(chunk, e.header)
	off := HeaderSize
	for _, f := range e.frames {
		off += putSamples(chunk[off:], f)
	}
	e.frames = nil
	e.samples = 0
	e.lastFlush = now
	e.flushes++
	return chunk, true
}

// Drop discards whatever is buffered and returns how many samples were lost.
// Used at stop: the artifact is rebuilt from the raw recording, not chunks.
func (e *ChunkEncoder) Drop() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.samples
	e.frames = nil
	e.samples = 0
	return n
}

func (e *ChunkEncoder) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}
