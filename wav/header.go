// Package wav builds the two WAV envelopes the recorder produces: periodic
// streaming chunks with a fixed header, and the final session artifact whose
// sizes are computed from the real sample count.
package wav

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	HeaderSize    = 44
	BitsPerSample = 16
	Channels      = 1

	bytesPerSample = BitsPerSample / 8
	pcmFormat      = 1
)

// header is the canonical 44-byte RIFF/WAVE header for 16-bit PCM.
type header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newHeader(sampleRate int, riffSize, dataSize uint32) header {
	return header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     riffSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   pcmFormat,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * Channels * bytesPerSample),
		BlockAlign:    Channels * bytesPerSample,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

func (h header) bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// Quantize clamps v to [-1, 1] and scales it to a signed 16-bit sample:
// negative values by 32768, non-negative values by 32767. NaN maps to 0.
func Quantize(v float32) int16 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	s := max(-1, min(1, v))
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16 maps a sample decoded from 16-bit PCM back to the integer it came
// from. Out of range input is clamped.
func PCM16(v float32) int16 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return int16(max(-32768, min(32767, math.Round(float64(v)*32768))))
}

func putSamples(dst []byte, samples []float32) int {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[i*bytesPerSample:], uint16(Quantize(v)))
	}
	return len(samples) * bytesPerSample
}
