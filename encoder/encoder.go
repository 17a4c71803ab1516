// Package encoder keeps the lossless raw recording of a whole session. The
// final artifact is decoded from it once capture stops.
package encoder

import (
	"fmt"
	"time"
)

const (
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

type Recorder interface {
	// Write appends 16-bit samples as captured.
	Write(samples []int16) error
	Close() error
	// Bytes returns the finished container. Valid after Close.
	Bytes() ([]byte, error)
	Format() string
	TotalSamples() uint64
	EncodeTime() time.Duration
	// Discard releases any temporary storage.
	Discard()
}

// New returns a recorder for format "flac" or "wav".
func New(format string, sampleRate int) (Recorder, error) {
	switch format {
	case "flac":
		return NewFlac(sampleRate)
	case "wav":
		return NewWavSpool(sampleRate)
	default:
		return nil, fmt.Errorf("unknown raw format %q (use flac or wav)", format)
	}
}
