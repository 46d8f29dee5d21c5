// Package audio holds the PCM primitives shared by the session pipeline and
// the voice-print tooling: s16le decoding, float conversion and the sample
// clock. The server accepts exactly one format (PCM s16le mono 16 kHz), so no
// resampling or channel conversion lives here.
package audio

import "encoding/binary"

// SampleRate is the only rate the pipeline accepts.
const SampleRate = 16000

// BytesToInt16 decodes little-endian s16 PCM. A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// Int16ToFloat converts int16 samples to float32 in [-1, 1].
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// SamplesToMs converts a 16 kHz sample count to milliseconds.
func SamplesToMs(samples int64) int64 {
	return samples / (SampleRate / 1000)
}
