// Package beep plays short audible cues when recording starts, stops,
// finishes processing or fails.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

const sampleRate = 44100

type Cue int

const (
	Start Cue = iota
	Stop
	Done
	Error
)

type tone struct {
	freq   float64
	dur    float64
	volume float64
	decay  float64
	// gap > 0 repeats the tone once after that much silence
	gap float64
}

var tones = map[Cue]tone{
	Start: {freq: 1200, dur: 0.2, volume: 0.5, decay: 60},
	Stop:  {freq: 900, dur: 0.2, volume: 0.5, decay: 40},
	Done:  {freq: 1500, dur: 0.12, volume: 0.4, decay: 50, gap: 0.04},
	Error: {freq: 350, dur: 0.08, volume: 0.6, decay: 30, gap: 0.05},
}

var (
	disabled atomic.Bool
	cacheMu  sync.Mutex
	cache    = map[Cue][]int16{}
)

func Disable() { disabled.Store(true) }

func Disabled() bool { return disabled.Load() }

// Play starts the cue in the background and returns immediately.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	s := Samples(c)
	if len(s) == 0 {
		return
	}
	go play(s)
}

// Samples returns the mono 16-bit PCM for a cue at 44.1 kHz.
func Samples(c Cue) []int16 {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[c]; ok {
		return s
	}
	t, ok := tones[c]
	if !ok {
		return nil
	}
	s := generateTick(sampleRate, t.freq, t.dur, t.volume, t.decay)
	if t.gap > 0 {
		gap := make([]int16, int(float64(sampleRate)*t.gap))
		s = append(append(append(make([]int16, 0, 2*len(s)+len(gap)), s...), gap...), s...)
	}
	cache[c] = s
	return s
}

func generateTick(rate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(rate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(rate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}
