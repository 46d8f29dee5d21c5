package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// ReadWAV loads a PCM16 WAV file and returns its samples as float32 in
// [-1, 1] plus the sample rate. Multi-channel audio is averaged down to mono.
func ReadWAV(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s: not a RIFF/WAVE file", path)
	}

	var (
		channels   int
		sampleRate int
		bits       int
		pcm        []byte
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%s: short fmt chunk", path)
			}
			format := int(binary.LittleEndian.Uint16(data[body:]))
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%s: only PCM16 supported (format=%d bits=%d)", path, format, bits)
			}
		case "data":
			pcm = data[body : body+size]
		}
		// chunks are word aligned
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	if channels == 0 || sampleRate == 0 {
		return nil, 0, fmt.Errorf("%s: missing fmt chunk", path)
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("%s: missing data chunk", path)
	}

	ints := BytesToInt16(pcm)
	if channels == 1 {
		return Int16ToFloat(ints), sampleRate, nil
	}
	frames := len(ints) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(ints[i*channels+c]) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out, sampleRate, nil
}

// WriteWAV writes mono PCM16 samples, used by tests and enrollment tooling.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	dataLen := 2 * len(samples)
	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	for i, s := range samples {
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(buf[44+2*i:], uint16(v))
	}
	return os.WriteFile(path, buf, 0o644)
}
