package session

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/asr/mock"
	"github.com/zighouse/zasr/pkg/audio"
	"github.com/zighouse/zasr/pkg/executor"
	"github.com/zighouse/zasr/pkg/protocol"
	"github.com/zighouse/zasr/pkg/voiceprint"
)

type captureSender struct {
	mu     sync.Mutex
	events []protocol.Message
	closed bool
	reason string
}

func (c *captureSender) Send(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		panic("malformed outbound frame: " + err.Error())
	}
	c.mu.Lock()
	c.events = append(c.events, msg)
	c.mu.Unlock()
}

func (c *captureSender) Close(reason string) {
	c.mu.Lock()
	c.closed = true
	c.reason = reason
	c.mu.Unlock()
}

func (c *captureSender) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Header.Name
	}
	return out
}

func (c *captureSender) byName(name string) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, ev := range c.events {
		if ev.Header.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captureSender) last() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func (c *captureSender) snapshot() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.events))
	copy(out, c.events)
	return out
}

func engineFactory(p *mock.Provider, recognizerType string, clientCfg protocol.ClientConfig) (*asr.Engine, error) {
	cfg := asr.EngineConfig{
		RecognizerType:    recognizerType,
		SampleRate:        16000,
		UseITN:            clientCfg.UseITN,
		VAD:               asr.VADConfig{WindowSize: 480},
		Endpoint:          asr.DefaultEndpointConfig(),
		EnablePunctuation: true,
	}
	return p.NewEngine(cfg)
}

func newTestSession(t *testing.T, p *mock.Provider, recognizerType string, id *voiceprint.Identifier) (*Session, *captureSender, *executor.Executor) {
	t.Helper()
	sender := &captureSender{}
	work := executor.New("work", 1)
	t.Cleanup(work.Stop)
	s := New(sender, work, Config{
		UpdateInterval: time.Nanosecond,
		Engine: func(cfg protocol.ClientConfig) (*asr.Engine, error) {
			return engineFactory(p, recognizerType, cfg)
		},
		Identifier: id,
	})
	return s, sender, work
}

func begin(t *testing.T, s *Session) {
	t.Helper()
	s.HandleText([]byte(`{"header":{"name":"Begin","mid":"1"},"payload":{}}`))
	if s.State() != StateStarted {
		t.Fatalf("expected started state, got %v", s.State())
	}
}

func end(s *Session) {
	s.HandleText([]byte(`{"header":{"name":"End"},"payload":{}}`))
}

func pcmBytes(amplitude float32, samples int) []byte {
	v := int16(amplitude * 32767)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func feed(s *Session, data []byte, chunk int) {
	for off := 0; off < len(data); off += chunk {
		endOff := off + chunk
		if endOff > len(data) {
			endOff = len(data)
		}
		s.HandleBinary(data[off:endOff])
	}
}

// checkOrdering asserts the Started (SentenceBegin Result* SentenceEnd)*
// Completed? shape plus index and time monotonicity.
func checkOrdering(t *testing.T, events []protocol.Message) {
	t.Helper()
	if len(events) == 0 || events[0].Header.Name != protocol.NameStarted {
		t.Fatalf("first event must be Started, got %v", events)
	}
	open := false
	idx := 0
	var lastTime int64
	beginTimes := map[int]int64{}
	for i, ev := range events[1:] {
		switch ev.Header.Name {
		case protocol.NameSentenceBegin:
			if open {
				t.Fatalf("SentenceBegin while a sentence is open")
			}
			var p protocol.SentenceBeginPayload
			mustUnmarshal(t, ev.Payload, &p)
			if p.Index != idx+1 {
				t.Fatalf("sentence indices must increase by 1: got %d after %d", p.Index, idx)
			}
			idx = p.Index
			beginTimes[idx] = p.Time
			if p.Time < lastTime {
				t.Fatalf("time went backwards: %d < %d", p.Time, lastTime)
			}
			lastTime = p.Time
			open = true
		case protocol.NameResult:
			if !open {
				t.Fatalf("Result outside a sentence")
			}
			var p protocol.ResultPayload
			mustUnmarshal(t, ev.Payload, &p)
			if p.Index != idx {
				t.Fatalf("Result index %d does not match open sentence %d", p.Index, idx)
			}
			if p.Time < lastTime {
				t.Fatalf("time went backwards: %d < %d", p.Time, lastTime)
			}
			lastTime = p.Time
		case protocol.NameSentenceEnd:
			if !open {
				t.Fatalf("SentenceEnd without SentenceBegin")
			}
			var p protocol.SentenceEndPayload
			mustUnmarshal(t, ev.Payload, &p)
			if p.Index != idx {
				t.Fatalf("SentenceEnd index %d does not match open sentence %d", p.Index, idx)
			}
			if p.Begin != beginTimes[idx] {
				t.Fatalf("SentenceEnd.begin %d != SentenceBegin.time %d", p.Begin, beginTimes[idx])
			}
			if p.Time < lastTime {
				t.Fatalf("time went backwards: %d < %d", p.Time, lastTime)
			}
			lastTime = p.Time
			open = false
		case protocol.NameCompleted:
			if i != len(events)-2 {
				t.Fatalf("Completed must be the final event")
			}
		default:
			t.Fatalf("unexpected event %s", ev.Header.Name)
		}
	}
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
}

func TestOfflineHappyPathOneSentence(t *testing.T) {
	p := &mock.Provider{Utterances: [][]string{{"hello", "hello world"}}}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)

	begin(t, s)
	speech := pcmBytes(0.2, 2*16000)
	silence := pcmBytes(0, 16000/2)
	feed(s, speech, 3200)
	feed(s, silence, 3200)
	end(s)

	names := sender.names()
	if names[0] != protocol.NameStarted {
		t.Fatalf("expected Started first, got %v", names)
	}
	if len(sender.byName(protocol.NameSentenceBegin)) != 1 {
		t.Fatalf("expected one SentenceBegin, got %v", names)
	}
	if len(sender.byName(protocol.NameResult)) < 1 {
		t.Fatalf("expected at least one partial Result, got %v", names)
	}
	ends := sender.byName(protocol.NameSentenceEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one SentenceEnd, got %v", names)
	}
	var endPayload protocol.SentenceEndPayload
	mustUnmarshal(t, ends[0].Payload, &endPayload)
	if endPayload.Text != "hello world." {
		t.Fatalf("final text should be punctuated, got %q", endPayload.Text)
	}
	if len(sender.byName(protocol.NameCompleted)) != 1 {
		t.Fatalf("expected Completed, got %v", names)
	}
	checkOrdering(t, sender.snapshot())
	if !sender.closed {
		t.Fatalf("socket should close after End")
	}
}

func TestPureSilence(t *testing.T) {
	p := &mock.Provider{Utterances: [][]string{{"never"}}}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)

	begin(t, s)
	feed(s, pcmBytes(0, 5*16000), 3200)
	end(s)

	for _, name := range sender.names() {
		if name == protocol.NameSentenceBegin || name == protocol.NameResult {
			t.Fatalf("silence must not produce %s", name)
		}
	}
	if len(sender.byName(protocol.NameCompleted)) != 1 {
		t.Fatalf("expected Completed, got %v", sender.names())
	}
}

func TestSilenceTrimsBuffers(t *testing.T) {
	p := &mock.Provider{}
	s, _, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)

	feed(s, pcmBytes(0, 5*16000), 1600)
	// drain the strand synchronously
	s.drainWork()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rawBuf) > 10*s.cfg.VADWindowSize {
		t.Fatalf("raw buffer not trimmed: %d samples", len(s.rawBuf))
	}
	if s.vadOffset > len(s.floatBuf) {
		t.Fatalf("vad offset %d beyond buffer %d", s.vadOffset, len(s.floatBuf))
	}
}

func TestSampleCounterAdvance(t *testing.T) {
	p := &mock.Provider{}
	s, _, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)

	s.HandleBinary(pcmBytes(0, 1000))
	s.drainWork()
	s.mu.Lock()
	total := s.totalSamples
	totalMS := s.totalMS
	s.mu.Unlock()
	if total != 1000 {
		t.Fatalf("expected 1000 samples, got %d", total)
	}
	if totalMS != total/16 {
		t.Fatalf("ms clock out of sync: %d vs %d samples", totalMS, total)
	}

	// odd trailing byte is ignored, zero-length frame is a no-op
	odd := append(pcmBytes(0, 10), 0x7f)
	s.HandleBinary(odd)
	s.HandleBinary(nil)
	s.drainWork()
	s.mu.Lock()
	total = s.totalSamples
	s.mu.Unlock()
	if total != 1010 {
		t.Fatalf("expected 1010 samples, got %d", total)
	}
}

func TestZeroFrameDoesNotAdvanceState(t *testing.T) {
	p := &mock.Provider{}
	s, _, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)
	s.HandleBinary([]byte{})
	s.drainWork()
	if s.State() != StateStarted {
		t.Fatalf("zero-sample frame must not advance state, got %v", s.State())
	}
}

func TestInvalidSampleRate(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)

	s.HandleText([]byte(`{"header":{"name":"Begin"},"payload":{"rate":8000}}`))
	if got := sender.last().Header.Status; got != protocol.StatusUnsupportedRate {
		t.Fatalf("expected status 1003, got %d", got)
	}
	if s.State() != StateConnected {
		t.Fatalf("session must stay connected, got %v", s.State())
	}

	end(s)
	if got := sender.last().Header.Status; got != protocol.StatusNotStarted {
		t.Fatalf("expected status 1005 after End, got %d", got)
	}
}

func TestInvalidFormat(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	s.HandleText([]byte(`{"header":{"name":"Begin"},"payload":{"fmt":"opus"}}`))
	if got := sender.last().Header.Status; got != protocol.StatusUnsupportedFormat {
		t.Fatalf("expected status 1002, got %d", got)
	}
}

func TestEndWithoutBegin(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	end(s)
	if got := sender.last().Header.Status; got != protocol.StatusNotStarted {
		t.Fatalf("expected status 1005, got %d", got)
	}
	if s.State() != StateConnected {
		t.Fatalf("session must stay connected")
	}
	if sender.closed {
		t.Fatalf("socket must stay open")
	}
}

func TestBinaryBeforeBegin(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	s.HandleBinary(pcmBytes(0.2, 100))
	if got := sender.last().Header.Status; got != protocol.StatusBinaryInWrongState {
		t.Fatalf("expected status 1006, got %d", got)
	}
}

func TestProtocolParseErrors(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)

	s.HandleText([]byte(`{not json`))
	if got := sender.last().Header.Status; got != protocol.StatusInvalidJSON {
		t.Fatalf("expected 2001, got %d", got)
	}
	s.HandleText([]byte(`{"payload":{}}`))
	if got := sender.last().Header.Status; got != protocol.StatusMissingHeader {
		t.Fatalf("expected 2003, got %d", got)
	}
	s.HandleText([]byte(`{"header":{"mid":"x"}}`))
	if got := sender.last().Header.Status; got != protocol.StatusMissingName {
		t.Fatalf("expected 2004, got %d", got)
	}
	s.HandleText([]byte(`{"header":{"name":"Pause"}}`))
	if got := sender.last().Header.Status; got != protocol.StatusUnsupportedName {
		t.Fatalf("expected 2005, got %d", got)
	}
}

func TestDoubleEndEmitsOneCompleted(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)
	end(s)
	end(s)
	if n := len(sender.byName(protocol.NameCompleted)); n != 1 {
		t.Fatalf("expected exactly one Completed, got %d", n)
	}
	if s.State() != StateClosed {
		t.Fatalf("second End should close the session, got %v", s.State())
	}
}

func TestClientSessionIDHonored(t *testing.T) {
	p := &mock.Provider{}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	s.HandleText([]byte(`{"header":{"name":"Begin"},"payload":{"session_id":"client-42"}}`))
	started := sender.byName(protocol.NameStarted)
	if len(started) != 1 {
		t.Fatalf("expected Started, got %v", sender.names())
	}
	var payload protocol.StartedPayload
	mustUnmarshal(t, started[0].Payload, &payload)
	if payload.SessionID != "client-42" {
		t.Fatalf("client session id not honored: %q", payload.SessionID)
	}
}

func TestEngineInitFailure(t *testing.T) {
	p := &mock.Provider{FailEngine: errors.New("model file not found")}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	s.HandleText([]byte(`{"header":{"name":"Begin"},"payload":{}}`))
	if got := sender.last().Header.Status; got != protocol.StatusSessionInitError {
		t.Fatalf("expected 1004, got %d", got)
	}
	if s.State() != StateConnected {
		t.Fatalf("failed init must leave the session connected for retry")
	}
}

func TestPipelineFailureMovesToClosing(t *testing.T) {
	p := &mock.Provider{FailDecode: true, Utterances: [][]string{{"x"}}}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)
	feed(s, pcmBytes(0.2, 16000), 1600)
	s.drainWork()

	failed := sender.byName(protocol.NameFailed)
	if len(failed) == 0 {
		t.Fatalf("expected a Failed event, got %v", sender.names())
	}
	if got := failed[0].Header.Status; got != protocol.StatusPipelineError {
		t.Fatalf("expected 41040009, got %d", got)
	}
	if st := s.State(); st != StateClosing && st != StateClosed {
		t.Fatalf("pipeline failure must close the session, got %v", st)
	}
	if !sender.closed {
		t.Fatalf("socket should be closed after pipeline failure")
	}
}

func TestOnlineTwoUtterances(t *testing.T) {
	p := &mock.Provider{Utterances: [][]string{
		{"first", "first sentence"},
		{"second", "second sentence"},
	}}
	s, sender, _ := newTestSession(t, p, asr.TypeStreamingZipformer, nil)

	begin(t, s)
	feed(s, pcmBytes(0.2, 3*16000), 3200)
	feed(s, pcmBytes(0, 3*16000/2), 3200) // 1.5 s silence, endpoint at 0.8 s
	feed(s, pcmBytes(0.2, 2*16000), 3200)
	end(s)

	begins := sender.byName(protocol.NameSentenceBegin)
	endsEv := sender.byName(protocol.NameSentenceEnd)
	if len(begins) < 2 || len(endsEv) < 2 {
		t.Fatalf("expected two utterances, got %v", sender.names())
	}
	var first, second protocol.SentenceEndPayload
	mustUnmarshal(t, endsEv[0].Payload, &first)
	mustUnmarshal(t, endsEv[1].Payload, &second)
	if first.Index != 1 || first.Text != "first sentence." {
		t.Fatalf("unexpected first sentence: %+v", first)
	}
	if second.Index != 2 || second.Text != "second sentence." {
		t.Fatalf("unexpected second sentence: %+v", second)
	}
	checkOrdering(t, sender.snapshot())
}

func TestSpeakerTaggingOnSentenceEnd(t *testing.T) {
	dir := t.TempDir()
	ident, err := voiceprint.NewIdentifier(mock.NewEmbeddingExtractor(), &mock.SpeakerCounter{}, voiceprint.Config{
		DBPath:    filepath.Join(dir, "db"),
		AutoTrack: false,
	})
	if err != nil {
		t.Fatalf("identifier: %v", err)
	}
	wav := filepath.Join(dir, "alice.wav")
	amp := float32(0.2)
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = amp
	}
	if err := audio.WriteWAV(wav, samples, audio.SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := ident.AddSpeaker("Alice", []string{wav}, false, voiceprint.Extra{}); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	p := &mock.Provider{Utterances: [][]string{{"hi there"}}}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, ident)
	begin(t, s)
	feed(s, pcmBytes(amp, 2*16000), 3200)
	feed(s, pcmBytes(0, 16000/2), 3200)
	end(s)

	endsEv := sender.byName(protocol.NameSentenceEnd)
	if len(endsEv) == 0 {
		t.Fatalf("no SentenceEnd emitted: %v", sender.names())
	}
	var payload protocol.SentenceEndPayload
	mustUnmarshal(t, endsEv[0].Payload, &payload)
	if payload.SpeakerID != "speaker-1" || payload.Speaker != "Alice" {
		t.Fatalf("speaker not tagged: %+v", payload)
	}
}

func TestPunctuationFailureFallsBack(t *testing.T) {
	p := &mock.Provider{Utterances: [][]string{{"raw text"}}, PunctFail: true}
	s, sender, _ := newTestSession(t, p, asr.TypeSenseVoice, nil)
	begin(t, s)
	feed(s, pcmBytes(0.2, 2*16000), 3200)
	feed(s, pcmBytes(0, 16000/2), 3200)
	end(s)

	endsEv := sender.byName(protocol.NameSentenceEnd)
	if len(endsEv) == 0 {
		t.Fatalf("no SentenceEnd: %v", sender.names())
	}
	var payload protocol.SentenceEndPayload
	mustUnmarshal(t, endsEv[0].Payload, &payload)
	if payload.Text != "raw text" {
		t.Fatalf("failed punctuation must fall back to raw text, got %q", payload.Text)
	}
}
