package wav

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

// DecodeError reports that the raw recording could not be turned back into
// samples. It aborts finalization.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s recording: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeRecording decodes a raw session recording ("wav" or "flac") into mono
// float samples resampled to targetRate.
func DecodeRecording(raw []byte, format string, targetRate int) ([]float32, error) {
	var (
		samples []float32
		rate    int
		err     error
	)
	switch format {
	case "wav":
		samples, rate, err = decodeWAV(raw)
	case "flac":
		samples, rate, err = decodeFLAC(raw)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	return Resample(samples, rate, targetRate), nil
}

func decodeWAV(raw []byte) ([]float32, int, error) {
	d := gowav.NewDecoder(bytes.NewReader(raw))
	if !d.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if d.BitDepth == 0 || buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, 0, errors.New("missing format chunk")
	}
	return mixdown(buf, int(d.BitDepth)), int(d.SampleRate), nil
}

func mixdown(buf *audio.IntBuffer, bitDepth int) []float32 {
	ch := buf.Format.NumChannels
	scale := float32(int(1) << (bitDepth - 1))
	out := make([]float32, len(buf.Data)/ch)
	for i := range out {
		var sum int
		for c := 0; c < ch; c++ {
			sum += buf.Data[i*ch+c]
		}
		out[i] = float32(sum) / float32(ch) / scale
	}
	return out
}

func decodeFLAC(raw []byte) ([]float32, int, error) {
	stream, err := flac.New(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	info := stream.Info
	if info.BitsPerSample == 0 || info.NChannels == 0 {
		return nil, 0, errors.New("invalid stream info")
	}
	scale := float32(int(1) << (info.BitsPerSample - 1))

	var out []float32
	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		if len(f.Subframes) == 0 {
			continue
		}
		ch := len(f.Subframes)
		n := f.Subframes[0].NSamples
		for i := 0; i < n; i++ {
			var sum int32
			for _, sf := range f.Subframes {
				sum += sf.Samples[i]
			}
			out = append(out, float32(sum)/float32(ch)/scale)
		}
	}
	return out, int(info.SampleRate), nil
}

// Resample converts between rates with linear interpolation. Equal rates
// return the input unchanged.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		if j+1 < len(samples) {
			out[i] = samples[j]*(1-frac) + samples[j+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}
