package audio

import "testing"

func TestBytesToInt16DropsOddByte(t *testing.T) {
	data := []byte{0x00, 0x80, 0xff, 0x7f, 0x01} // -32768, 32767, trailing byte
	samples := BytesToInt16(data)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0] != -32768 || samples[1] != 32767 {
		t.Fatalf("unexpected samples: %v", samples)
	}
}

func TestInt16ToFloatRange(t *testing.T) {
	out := Int16ToFloat([]int16{-32768, 0, 16384})
	if out[0] != -1.0 {
		t.Fatalf("min sample should map to -1.0, got %f", out[0])
	}
	if out[1] != 0 {
		t.Fatalf("zero should map to 0, got %f", out[1])
	}
	if out[2] != 0.5 {
		t.Fatalf("16384 should map to 0.5, got %f", out[2])
	}
}

func TestSamplesToMs(t *testing.T) {
	if got := SamplesToMs(16000); got != 1000 {
		t.Fatalf("16000 samples = 1000ms, got %d", got)
	}
	if got := SamplesToMs(8000); got != 500 {
		t.Fatalf("8000 samples = 500ms, got %d", got)
	}
}
