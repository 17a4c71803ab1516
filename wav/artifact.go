package wav

import "encoding/binary"

// EncodeArtifact encodes a whole session as one mono 16-bit WAV at
// sampleRate. Unlike streaming chunks, the header sizes are exact:
// data = len(samples)*2 and RIFF = 36 + data. Samples decoded from a 16-bit
// recording are written back bit-exact.
func EncodeArtifact(samples []float32, sampleRate int) []byte {
	dataSize := uint32(len(samples) * bytesPerSample)
	out := make([]byte, HeaderSize+int(dataSize))
	copy(out, newHeader(sampleRate, 36+dataSize, dataSize).bytes())
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[HeaderSize+i*bytesPerSample:], uint16(PCM16(v)))
	}
	return out
}
