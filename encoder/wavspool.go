package encoder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
	"github.com/google/uuid"
)

// WavSpool writes the raw recording as uncompressed WAV to a temp file so long
// sessions do not sit in memory.
type WavSpool struct {
	path         string
	file         *os.File
	enc          *gowav.Encoder
	format       *audio.Format
	totalSamples uint64
	encodeTime   time.Duration
	closed       bool
	mu           sync.Mutex
}

func NewWavSpool(sampleRate int) (*WavSpool, error) {
	path := filepath.Join(os.TempDir(), "whisperdeck-"+uuid.NewString()+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating wav spool: %w", err)
	}
	return &WavSpool{
		path:   path,
		file:   f,
		enc:    gowav.NewEncoder(f, sampleRate, BitsPerSample, Channels, 1),
		format: &audio.Format{NumChannels: Channels, SampleRate: sampleRate},
	}, nil
}

func (w *WavSpool) Format() string { return "wav" }
func (w *WavSpool) Path() string   { return w.path }

func (w *WavSpool) Write(samples []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wav spool closed")
	}
	start := time.Now()
	buf := &audio.IntBuffer{
		Format:         w.format,
		Data:           make([]int, len(samples)),
		SourceBitDepth: BitsPerSample,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("writing wav spool: %w", err)
	}
	w.totalSamples += uint64(len(samples))
	w.encodeTime += time.Since(start)
	return nil
}

func (w *WavSpool) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.totalSamples == 0 {
		// the encoder only emits its header on the first Write
		empty := &audio.IntBuffer{Format: w.format, SourceBitDepth: BitsPerSample}
		if err := w.enc.Write(empty); err != nil {
			w.file.Close()
			return fmt.Errorf("writing wav spool header: %w", err)
		}
	}
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("finishing wav spool: %w", err)
	}
	return w.file.Close()
}

func (w *WavSpool) Bytes() ([]byte, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		return nil, errors.New("wav spool not closed")
	}
	return os.ReadFile(w.path)
}

func (w *WavSpool) TotalSamples() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSamples
}

func (w *WavSpool) EncodeTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encodeTime
}

func (w *WavSpool) Discard() {
	w.Close()
	os.Remove(w.path)
}
