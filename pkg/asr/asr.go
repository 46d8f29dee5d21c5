// Package asr defines the contracts between the streaming server and the
// speech models it drives. Concrete model runtimes live behind these
// interfaces; the session pipeline never branches on a model type beyond the
// offline-with-VAD vs online capability split.
package asr

// Segment is a completed speech span reported by a VAD.
type Segment struct {
	// Start is the offset of the segment in samples from stream start.
	Start int64
	// Samples holds the segment audio as float32 in [-1, 1].
	Samples []float32
}

// VAD consumes fixed-size float windows and reports speech activity.
// Completed segments queue in a FIFO drained with Empty/Pop.
type VAD interface {
	// AcceptWindow feeds exactly one window of WindowSize() samples.
	AcceptWindow(samples []float32)
	// IsSpeech reports whether speech is currently detected.
	IsSpeech() bool
	// Empty reports whether the completed-segment FIFO is empty.
	Empty() bool
	// Pop removes and returns the oldest completed segment.
	Pop() Segment
	// WindowSize returns the fixed window size in samples.
	WindowSize() int
	Close() error
}

// OfflineStream accumulates one utterance for whole-utterance decoding.
type OfflineStream interface {
	AcceptWaveform(sampleRate int, samples []float32)
}

// OfflineRecognizer decodes a whole utterance at once; combined with a VAD it
// simulates streaming. Decoding is re-entrant on a fresh stream per utterance.
type OfflineRecognizer interface {
	NewStream() (OfflineStream, error)
	Decode(s OfflineStream) error
	Result(s OfflineStream) (string, error)
	Close() error
}

// OnlineStream ingests audio incrementally for a streaming recognizer.
type OnlineStream interface {
	AcceptWaveform(sampleRate int, samples []float32)
}

// OnlineRecognizer is a true streaming recognizer with a built-in endpointer.
type OnlineRecognizer interface {
	NewStream() (OnlineStream, error)
	// IsReady reports whether enough feature frames are buffered to decode.
	IsReady(s OnlineStream) bool
	Decode(s OnlineStream) error
	// IsEndpoint reports whether the endpointer marks the utterance finished.
	IsEndpoint(s OnlineStream) bool
	// Reset clears the stream state after an endpoint.
	Reset(s OnlineStream)
	Result(s OnlineStream) (string, error)
	Close() error
}

// Punctuator restores punctuation on a final hypothesis. Callers fall back to
// the input text when it fails.
type Punctuator interface {
	AddPunctuation(text string) (string, error)
	Close() error
}

// EmbeddingExtractor computes fixed-dimension speaker embeddings.
type EmbeddingExtractor interface {
	// Dim returns the embedding dimension the extractor produces.
	Dim() int
	// Compute returns the embedding for the given 16 kHz samples, or an
	// error when the audio is too short to characterize a speaker.
	Compute(samples []float32) ([]float32, error)
	Close() error
}

// SpeakerCounter estimates how many distinct speakers an audio file contains.
// Used to reject multi-speaker enrollment audio.
type SpeakerCounter interface {
	CountSpeakers(wavPath string) (int, error)
	Close() error
}

// Mode is the capability split the session pipeline switches on.
type Mode int

const (
	// ModeOfflineVAD simulates streaming: VAD gates an offline recognizer.
	ModeOfflineVAD Mode = iota
	// ModeOnline decodes incrementally with a built-in endpointer.
	ModeOnline
)

// Engine bundles the capabilities one session owns. Exactly one of
// Offline+VAD or Online is set; Punct is optional in either mode.
type Engine struct {
	Offline OfflineRecognizer
	VAD     VAD
	Online  OnlineRecognizer
	Punct   Punctuator
}

// Mode reports which pipeline the engine drives.
func (e *Engine) Mode() Mode {
	if e.Online != nil {
		return ModeOnline
	}
	return ModeOfflineVAD
}

// Close releases every model handle the engine holds.
func (e *Engine) Close() {
	if e.Offline != nil {
		_ = e.Offline.Close()
	}
	if e.VAD != nil {
		_ = e.VAD.Close()
	}
	if e.Online != nil {
		_ = e.Online.Close()
	}
	if e.Punct != nil {
		_ = e.Punct.Close()
	}
}
