package wav

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2025, 2, 15, 10, 0, 0, 0, time.UTC)

func pcmValues(t *testing.T, data []byte) []int16 {
	t.Helper()
	if len(data) < HeaderSize {
		t.Fatalf("payload shorter than header: %d", len(data))
	}
	body := data[HeaderSize:]
	if len(body)%2 != 0 {
		t.Fatalf("odd PCM length %d", len(body))
	}
	out := make([]int16, len(body)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}
	return out
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{0.5, 16383},
		{-0.5, -16384},
		{2.5, 32767},
		{-7, -32768},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 32767},
		{float32(math.Inf(-1)), -32768},
	}
	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStreamHeaderIsConstant(t *testing.T) {
	h := StreamHeader(48000, 3*time.Second)
	if len(h) != HeaderSize {
		t.Fatalf("header length = %d, want %d", len(h), HeaderSize)
	}
	want := []byte{
		'R', 'I', 'F', 'F', 0x24, 0x65, 0x04, 0x00,
		'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ', 0x10, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x01, 0x00,
		0x80, 0xbb, 0x00, 0x00,
		0x00, 0x77, 0x01, 0x00,
		0x02, 0x00, 0x10, 0x00,
		'd', 'a', 't', 'a', 0x00, 0x65, 0x04, 0x00,
	}
	for i := range want {
		if h[i] != want[i] {
			t.Fatalf("header byte %d = %#x, want %#x", i, h[i], want[i])
		}
	}
}

func TestChunkHeaderIgnoresPayloadLength(t *testing.T) {
	enc := NewChunkEncoder(48000, 3*time.Second)
	enc.Reset(t0)

	enc.Append(make([]float32, 10))
	small, ok := enc.Flush(t0.Add(3 * time.Second))
	if !ok {
		t.Fatal("expected flush")
	}
	enc.Append(make([]float32, 9000))
	large, ok := enc.Flush(t0.Add(6 * time.Second))
	if !ok {
		t.Fatal("expected flush")
	}
	for i := 0; i < HeaderSize; i++ {
		if small[i] != large[i] {
			t.Fatalf("header byte %d differs between chunks", i)
		}
	}
	if len(small) != HeaderSize+20 || len(large) != HeaderSize+18000 {
		t.Errorf("chunk lengths = %d, %d", len(small), len(large))
	}
}

func TestChunkPreservesSamplesAndOrder(t *testing.T) {
	enc := NewChunkEncoder(48000, 3*time.Second)
	enc.Reset(t0)

	frames := [][]float32{
		{0.25, -0.25, 1.5},
		{-1.5, 0, 0.999},
		{-0.001},
	}
	var in []float32
	for _, f := range frames {
		enc.Append(f)
		in = append(in, f...)
	}
	chunk, ok := enc.Flush(t0.Add(3 * time.Second))
	if !ok {
		t.Fatal("expected flush")
	}

	got := pcmValues(t, chunk)
	if len(got) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(in))
	}
	for i, v := range in {
		if got[i] != Quantize(v) {
			t.Errorf("sample %d = %d, want %d", i, got[i], Quantize(v))
		}
	}
	if enc.Buffered() != 0 {
		t.Errorf("buffer not cleared: %d samples", enc.Buffered())
	}
}

func TestChunkFlushTiming(t *testing.T) {
	enc := NewChunkEncoder(48000, 3*time.Second)
	enc.Reset(t0)

	if _, ok := enc.Flush(t0.Add(5 * time.Second)); ok {
		t.Error("flushed an empty buffer")
	}

	enc.Append([]float32{0.1})
	if _, ok := enc.Flush(t0.Add(2999 * time.Millisecond)); ok {
		t.Error("flushed before the interval elapsed")
	}
	if _, ok := enc.Flush(t0.Add(3000 * time.Millisecond)); !ok {
		t.Fatal("no flush at the interval boundary")
	}

	// Same instant, fresh data: still inside the new interval.
	enc.Append([]float32{0.2})
	if _, ok := enc.Flush(t0.Add(3000 * time.Millisecond)); ok {
		t.Error("flushed twice within one interval")
	}
	if _, ok := enc.Flush(t0.Add(5999 * time.Millisecond)); ok {
		t.Error("flushed before the second interval elapsed")
	}
	if _, ok := enc.Flush(t0.Add(6000 * time.Millisecond)); !ok {
		t.Error("no flush at the second interval")
	}
	if enc.Flushes() != 2 {
		t.Errorf("Flushes = %d, want 2", enc.Flushes())
	}
}

func TestChunkFlushesLateWhenBufferWasEmpty(t *testing.T) {
	enc := NewChunkEncoder(48000, 3*time.Second)
	enc.Reset(t0)

	// Interval passed with nothing buffered: the clock is not advanced, so
	// the first frame after it flushes right away.
	if _, ok := enc.Flush(t0.Add(4 * time.Second)); ok {
		t.Fatal("flushed empty buffer")
	}
	enc.Append([]float32{0.3})
	if _, ok := enc.Flush(t0.Add(4100 * time.Millisecond)); !ok {
		t.Error("expected flush once data arrived")
	}
}

func TestChunkDrop(t *testing.T) {
	enc := NewChunkEncoder(48000, 3*time.Second)
	enc.Reset(t0)
	enc.Append(make([]float32, 4096))
	enc.Append(make([]float32, 12))
	if n := enc.Drop(); n != 4108 {
		t.Errorf("Drop = %d, want 4108", n)
	}
	if _, ok := enc.Flush(t0.Add(time.Minute)); ok {
		t.Error("flushed after Drop")
	}
}

func TestChunkAppendCopiesFrame(t *testing.T) {
	enc := NewChunkEncoder(48000, time.Second)
	enc.Reset(t0)
	f := []float32{0.5}
	enc.Append(f)
	f[0] = -0.5
	chunk, _ := enc.Flush(t0.Add(time.Second))
	if got := pcmValues(t, chunk)[0]; got != Quantize(0.5) {
		t.Errorf("sample = %d, want %d", got, Quantize(0.5))
	}
}

func TestEncodeArtifactSizes(t *testing.T) {
	for _, n := range []int{0, 1, 4096, 48000*3 + 17} {
		samples := make([]float32, n)
		out := EncodeArtifact(samples, 48000)

		if len(out) != HeaderSize+n*2 {
			t.Fatalf("n=%d: length = %d, want %d", n, len(out), HeaderSize+n*2)
		}
		riff := binary.LittleEndian.Uint32(out[4:8])
		data := binary.LittleEndian.Uint32(out[40:44])
		if data != uint32(n*2) {
			t.Errorf("n=%d: data size = %d, want %d", n, data, n*2)
		}
		if riff != 36+data {
			t.Errorf("n=%d: riff size = %d, want %d", n, riff, 36+data)
		}
		if rate := binary.LittleEndian.Uint32(out[24:28]); rate != 48000 {
			t.Errorf("n=%d: sample rate = %d", n, rate)
		}
		if ch := binary.LittleEndian.Uint16(out[22:24]); ch != 1 {
			t.Errorf("n=%d: channels = %d", n, ch)
		}
		if bits := binary.LittleEndian.Uint16(out[34:36]); bits != 16 {
			t.Errorf("n=%d: bits = %d", n, bits)
		}
	}
}

func TestArtifactDecodesBack(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1, 0.123}
	art := EncodeArtifact(in, 44100)

	out, err := DecodeRecording(art, "wav", 44100)
	if err != nil {
		t.Fatalf("DecodeRecording: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1.0/16384 {
			t.Errorf("sample %d = %v, want ~%v", i, out[i], in[i])
		}
	}
}

func TestDecodeRecordingErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		format string
	}{
		{"garbage wav", []byte("definitely not audio"), "wav"},
		{"garbage flac", []byte("definitely not audio"), "flac"},
		{"empty flac", nil, "flac"},
		{"unknown format", []byte{1, 2, 3}, "ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecording(tt.raw, tt.format, 48000)
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if decErr.Format != tt.format {
				t.Errorf("Format = %q, want %q", decErr.Format, tt.format)
			}
		})
	}
}

func TestResample(t *testing.T) {
	in := make([]float32, 44100)
	for i := range in {
		in[i] = 0.25
	}
	out := Resample(in, 44100, 48000)
	if len(out) != 48000 {
		t.Fatalf("resampled length = %d, want 48000", len(out))
	}
	for i, v := range out {
		if math.Abs(float64(v)-0.25) > 1e-6 {
			t.Fatalf("sample %d = %v, want 0.25", i, v)
		}
	}
	same := Resample(in, 48000, 48000)
	if len(same) != len(in) {
		t.Error("equal rates changed the length")
	}
}
