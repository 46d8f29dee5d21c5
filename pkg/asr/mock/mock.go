// Package mock provides deterministic in-memory model implementations used by
// the pipeline and store tests. The VAD and endpointer react to signal energy,
// so tests script speech and silence by the amplitude of the samples they feed.
package mock

import (
	"errors"
	"math"
	"sync"

	"github.com/zighouse/zasr/pkg/asr"
)

const speechAmplitude = 0.01

func meanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// VAD is an energy detector with the segment FIFO contract of a real one.
type VAD struct {
	windowSize        int
	minSpeechWindows  int
	minSilenceWindows int

	mu          sync.Mutex
	inSpeech    bool
	speechRun   int
	silenceRun  int
	current     []float32
	segStart    int64
	fed         int64
	segments    []asr.Segment
}

// NewVAD builds a detector over cfg; durations convert to window counts at
// 16 kHz.
func NewVAD(cfg asr.VADConfig) *VAD {
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = 480
	}
	toWindows := func(seconds float32) int {
		n := int(float64(seconds) * 16000 / float64(windowSize))
		if n < 1 {
			n = 1
		}
		return n
	}
	minSpeech := cfg.MinSpeechDuration
	if minSpeech <= 0 {
		minSpeech = 0.25
	}
	minSilence := cfg.MinSilenceDuration
	if minSilence <= 0 {
		minSilence = 0.1
	}
	return &VAD{
		windowSize:        windowSize,
		minSpeechWindows:  toWindows(minSpeech),
		minSilenceWindows: toWindows(minSilence),
	}
}

func (v *VAD) WindowSize() int { return v.windowSize }

func (v *VAD) AcceptWindow(samples []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	loud := meanAbs(samples) > speechAmplitude
	if loud {
		v.speechRun++
		v.silenceRun = 0
	} else {
		v.silenceRun++
		v.speechRun = 0
	}
	switch {
	case !v.inSpeech && loud && v.speechRun >= v.minSpeechWindows:
		v.inSpeech = true
		v.segStart = v.fed
		v.current = v.current[:0]
	case v.inSpeech && !loud && v.silenceRun >= v.minSilenceWindows:
		seg := asr.Segment{Start: v.segStart, Samples: append([]float32(nil), v.current...)}
		v.segments = append(v.segments, seg)
		v.inSpeech = false
		v.current = v.current[:0]
	}
	if v.inSpeech {
		v.current = append(v.current, samples...)
	}
	v.fed += int64(len(samples))
}

func (v *VAD) IsSpeech() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inSpeech
}

func (v *VAD) Empty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.segments) == 0
}

func (v *VAD) Pop() asr.Segment {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.segments) == 0 {
		return asr.Segment{}
	}
	seg := v.segments[0]
	v.segments = v.segments[1:]
	return seg
}

func (v *VAD) Close() error { return nil }

type offlineStream struct {
	mu      sync.Mutex
	samples []float32
	script  []string
	decodes int
	text    string
}

func (s *offlineStream) AcceptWaveform(sampleRate int, samples []float32) {
	s.mu.Lock()
	s.samples = append(s.samples, samples...)
	s.mu.Unlock()
}

// OfflineRecognizer replays a script of hypotheses: each new stream is one
// utterance, each decode on a stream advances within that utterance's
// hypothesis list (clamping at the final entry).
type OfflineRecognizer struct {
	mu         sync.Mutex
	utterances [][]string
	next       int

	FailDecode bool
}

func NewOfflineRecognizer(utterances ...[]string) *OfflineRecognizer {
	return &OfflineRecognizer{utterances: utterances}
}

// NewStream binds the next utterance's hypothesis script to the stream.
func (r *OfflineRecognizer) NewStream() (asr.OfflineStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var script []string
	if len(r.utterances) > 0 {
		idx := r.next
		if idx >= len(r.utterances) {
			idx = len(r.utterances) - 1
		}
		script = r.utterances[idx]
		r.next++
	}
	return &offlineStream{script: script}, nil
}

func (r *OfflineRecognizer) Decode(s asr.OfflineStream) error {
	if r.FailDecode {
		return errors.New("mock decode failure")
	}
	st := s.(*offlineStream)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.script) == 0 {
		st.text = ""
		return nil
	}
	idx := st.decodes
	if idx >= len(st.script) {
		idx = len(st.script) - 1
	}
	st.text = st.script[idx]
	st.decodes++
	return nil
}

func (r *OfflineRecognizer) Result(s asr.OfflineStream) (string, error) {
	st := s.(*offlineStream)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text, nil
}

func (r *OfflineRecognizer) Close() error { return nil }

type onlineStream struct {
	mu            sync.Mutex
	unfed         int
	speechSeen    bool
	trailingQuiet int
	decodes       int
	text          string
}

func (s *onlineStream) AcceptWaveform(sampleRate int, samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unfed += len(samples)
	for _, f := range samples {
		if math.Abs(float64(f)) > speechAmplitude {
			s.speechSeen = true
			s.trailingQuiet = 0
		} else {
			s.trailingQuiet++
		}
	}
}

// OnlineRecognizer replays a script per utterance; the endpointer fires after
// Rule2MinTrailingSilence of quiet once speech has been seen.
type OnlineRecognizer struct {
	mu         sync.Mutex
	utterances [][]string
	utterance  int

	chunk           int
	endpointSamples int

	FailDecode bool
}

func NewOnlineRecognizer(endpoint asr.EndpointConfig, utterances ...[]string) *OnlineRecognizer {
	rule2 := endpoint.Rule2MinTrailingSilence
	if rule2 <= 0 {
		rule2 = asr.DefaultEndpointConfig().Rule2MinTrailingSilence
	}
	return &OnlineRecognizer{
		utterances:      utterances,
		chunk:           1600, // 100 ms of features buffered before a decode
		endpointSamples: int(float64(rule2) * 16000),
	}
}

func (r *OnlineRecognizer) NewStream() (asr.OnlineStream, error) {
	return &onlineStream{}, nil
}

func (r *OnlineRecognizer) IsReady(s asr.OnlineStream) bool {
	st := s.(*onlineStream)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.unfed >= r.chunk
}

func (r *OnlineRecognizer) Decode(s asr.OnlineStream) error {
	if r.FailDecode {
		return errors.New("mock decode failure")
	}
	st := s.(*onlineStream)
	r.mu.Lock()
	var script []string
	if len(r.utterances) > 0 {
		idx := r.utterance
		if idx >= len(r.utterances) {
			idx = len(r.utterances) - 1
		}
		script = r.utterances[idx]
	}
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.unfed = 0
	if !st.speechSeen || len(script) == 0 {
		return nil
	}
	idx := st.decodes
	if idx >= len(script) {
		idx = len(script) - 1
	}
	st.text = script[idx]
	st.decodes++
	return nil
}

func (r *OnlineRecognizer) IsEndpoint(s asr.OnlineStream) bool {
	st := s.(*onlineStream)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.speechSeen && st.trailingQuiet >= r.endpointSamples
}

func (r *OnlineRecognizer) Reset(s asr.OnlineStream) {
	st := s.(*onlineStream)
	st.mu.Lock()
	st.speechSeen = false
	st.trailingQuiet = 0
	st.decodes = 0
	st.text = ""
	st.unfed = 0
	st.mu.Unlock()

	r.mu.Lock()
	r.utterance++
	r.mu.Unlock()
}

func (r *OnlineRecognizer) Result(s asr.OnlineStream) (string, error) {
	st := s.(*onlineStream)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text, nil
}

func (r *OnlineRecognizer) Close() error { return nil }

// Punctuator appends a terminal period unless Fail is set.
type Punctuator struct {
	Fail bool
}

func (p *Punctuator) AddPunctuation(text string) (string, error) {
	if p.Fail {
		return "", errors.New("mock punctuation failure")
	}
	if text == "" {
		return "", nil
	}
	last := text[len(text)-1]
	if last == '.' || last == '?' || last == '!' {
		return text, nil
	}
	return text + ".", nil
}

func (p *Punctuator) Close() error { return nil }

// EmbeddingExtractor maps audio to a one-hot vector keyed by the mean
// amplitude of its voiced samples, so equal-amplitude voices identify as the
// same speaker and distinct amplitudes land in orthogonal buckets. Averaging
// only voiced samples keeps leading/trailing silence from shifting the bucket.
type EmbeddingExtractor struct {
	Dimension  int
	MinSamples int
}

func NewEmbeddingExtractor() *EmbeddingExtractor {
	return &EmbeddingExtractor{Dimension: 16, MinSamples: 1600}
}

func (e *EmbeddingExtractor) Dim() int {
	if e.Dimension <= 0 {
		return 16
	}
	return e.Dimension
}

func (e *EmbeddingExtractor) Compute(samples []float32) ([]float32, error) {
	if len(samples) < e.MinSamples {
		return nil, errors.New("audio segment too short to extract embedding")
	}
	var sum float64
	var voiced int
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > speechAmplitude {
			sum += a
			voiced++
		}
	}
	var mean float64
	if voiced > 0 {
		mean = sum / float64(voiced)
	}
	dim := e.Dim()
	bucket := int(mean * 20)
	if bucket >= dim {
		bucket = dim - 1
	}
	out := make([]float32, dim)
	out[bucket] = 1
	return out, nil
}

func (e *EmbeddingExtractor) Close() error { return nil }

// SpeakerCounter reports a fixed per-path speaker count (default 1).
type SpeakerCounter struct {
	Counts map[string]int
}

func (c *SpeakerCounter) CountSpeakers(wavPath string) (int, error) {
	if c.Counts != nil {
		if n, ok := c.Counts[wavPath]; ok {
			return n, nil
		}
	}
	return 1, nil
}

func (c *SpeakerCounter) Close() error { return nil }
