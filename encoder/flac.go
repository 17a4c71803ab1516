package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

type FlacRecorder struct {
	sampleRate   int
	buf          bytes.Buffer
	enc          *flac.Encoder
	pending      []int16
	totalSamples uint64
	encodeTime   time.Duration
	closed       bool
	mu           sync.Mutex
}

func NewFlac(sampleRate int) (*FlacRecorder, error) {
	e := &FlacRecorder{sampleRate: sampleRate}
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	e.enc = enc
	return e, nil
}

func (e *FlacRecorder) Format() string { return "flac" }

func (e *FlacRecorder) Write(samples []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("flac recorder closed")
	}
	start := time.Now()
	defer func() { e.encodeTime += time.Since(start) }()

	e.pending = append(e.pending, samples...)
	for len(e.pending) >= BlockSize {
		if err := e.writeBlock(e.pending[:BlockSize]); err != nil {
			return err
		}
		e.pending = e.pending[BlockSize:]
	}
	return nil
}

func (e *FlacRecorder) writeBlock(block []int16) error {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(e.sampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.totalSamples += uint64(len(block))
	return nil
}

func (e *FlacRecorder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.pending) > 0 {
		if err := e.writeBlock(e.pending); err != nil {
			return err
		}
		e.pending = nil
	}
	return e.enc.Close()
}

func (e *FlacRecorder) Bytes() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		return nil, errors.New("flac recorder not closed")
	}
	return e.buf.Bytes(), nil
}

func (e *FlacRecorder) TotalSamples() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalSamples + uint64(len(e.pending))
}

func (e *FlacRecorder) EncodeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encodeTime
}

func (e *FlacRecorder) Discard() {}
