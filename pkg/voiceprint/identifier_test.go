package voiceprint

import (
	"path/filepath"
	"testing"

	"github.com/zighouse/zasr/pkg/asr/mock"
	"github.com/zighouse/zasr/pkg/audio"
)

func constantSamples(amplitude float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude
	}
	return out
}

func writeTestWAV(t *testing.T, dir, name string, amplitude float32) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := audio.WriteWAV(path, constantSamples(amplitude, 16000), audio.SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func newTestIdentifier(t *testing.T, dbPath string, autoTrack bool) *Identifier {
	t.Helper()
	id, err := NewIdentifier(mock.NewEmbeddingExtractor(), &mock.SpeakerCounter{}, Config{
		DBPath:    dbPath,
		AutoTrack: autoTrack,
	})
	if err != nil {
		t.Fatalf("new identifier: %v", err)
	}
	return id
}

func TestEnrollIdentifyVerify(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	id := newTestIdentifier(t, dbPath, true)

	a := writeTestWAV(t, dir, "a.wav", 0.10)
	b := writeTestWAV(t, dir, "b.wav", 0.10)
	speakerID, err := id.AddSpeaker("Alice", []string{a, b}, false, Extra{Gender: "female"})
	if err != nil {
		t.Fatalf("add speaker: %v", err)
	}
	if speakerID != "speaker-1" {
		t.Fatalf("expected speaker-1, got %s", speakerID)
	}
	meta, ok := id.DB().Get(speakerID)
	if !ok || meta.EmbeddingDim != id.Dim() || meta.NumSamples != 2 {
		t.Fatalf("bad metadata: %+v", meta)
	}

	c := writeTestWAV(t, dir, "c.wav", 0.10)
	res, err := id.IdentifyFile(c)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if res.SpeakerID != "speaker-1" || res.SpeakerName != "Alice" {
		t.Fatalf("expected Alice, got %+v", res)
	}
	if res.Confidence != DefaultThreshold {
		t.Fatalf("confidence should be the threshold, got %f", res.Confidence)
	}

	ok, err = id.VerifySpeaker(speakerID, c, 0)
	if err != nil || !ok {
		t.Fatalf("verify should pass: %v %v", ok, err)
	}
	other := writeTestWAV(t, dir, "other.wav", 0.45)
	ok, err = id.VerifySpeaker(speakerID, other, 0)
	if err != nil || ok {
		t.Fatalf("verify of different voice should fail: %v %v", ok, err)
	}
}

func TestAutoTrackUnknownSpeakers(t *testing.T) {
	dir := t.TempDir()
	id := newTestIdentifier(t, filepath.Join(dir, "db"), true)

	stranger := writeTestWAV(t, dir, "s.wav", 0.45)
	res, err := id.IdentifyFile(stranger)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !res.IsNewSpeaker || res.SpeakerID != "unknown-1" || res.SpeakerName != "Unknown Speaker" {
		t.Fatalf("expected fresh unknown-1, got %+v", res)
	}

	// the same voice again re-identifies as the tracked unknown
	res, err = id.IdentifyFile(stranger)
	if err != nil {
		t.Fatalf("identify again: %v", err)
	}
	if res.IsNewSpeaker || res.SpeakerID != "unknown-1" {
		t.Fatalf("expected tracked unknown-1, got %+v", res)
	}
	unknowns := id.DB().Unknowns()
	if len(unknowns) != 1 || unknowns[0].Occurrences != 2 {
		t.Fatalf("occurrence tracking wrong: %+v", unknowns)
	}
}

func TestAutoTrackDisabled(t *testing.T) {
	dir := t.TempDir()
	id := newTestIdentifier(t, filepath.Join(dir, "db"), false)
	res, err := id.IdentifyFile(writeTestWAV(t, dir, "s.wav", 0.45))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if res.SpeakerID != "" || res.IsNewSpeaker {
		t.Fatalf("no match expected with auto-track off: %+v", res)
	}
}

func TestAddSpeakerMultiSpeakerRejected(t *testing.T) {
	dir := t.TempDir()
	wav := writeTestWAV(t, dir, "duet.wav", 0.10)
	id, err := NewIdentifier(mock.NewEmbeddingExtractor(),
		&mock.SpeakerCounter{Counts: map[string]int{wav: 2}},
		Config{DBPath: filepath.Join(dir, "db")})
	if err != nil {
		t.Fatalf("new identifier: %v", err)
	}
	if _, err := id.AddSpeaker("Duo", []string{wav}, false, Extra{}); err == nil {
		t.Fatalf("multi-speaker audio must be rejected")
	}
}

func TestAddSpeakerNoCounterNeedsForce(t *testing.T) {
	dir := t.TempDir()
	wav := writeTestWAV(t, dir, "a.wav", 0.10)
	id, err := NewIdentifier(mock.NewEmbeddingExtractor(), nil, Config{DBPath: filepath.Join(dir, "db")})
	if err != nil {
		t.Fatalf("new identifier: %v", err)
	}
	if _, err := id.AddSpeaker("Alice", []string{wav}, false, Extra{}); err == nil {
		t.Fatalf("enrollment without diarization model should require force")
	}
	if _, err := id.AddSpeaker("Alice", []string{wav}, true, Extra{}); err != nil {
		t.Fatalf("forced enrollment should pass: %v", err)
	}
}

func TestReloadRegistersStoredSpeakers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	id := newTestIdentifier(t, dbPath, false)
	wav := writeTestWAV(t, dir, "a.wav", 0.10)
	if _, err := id.AddSpeaker("Alice", []string{wav}, false, Extra{}); err != nil {
		t.Fatalf("add speaker: %v", err)
	}

	reloaded := newTestIdentifier(t, dbPath, false)
	res, err := reloaded.IdentifyFile(wav)
	if err != nil {
		t.Fatalf("identify after reload: %v", err)
	}
	if res.SpeakerID != "speaker-1" || res.SpeakerName != "Alice" {
		t.Fatalf("reload lost the enrollment: %+v", res)
	}
}
