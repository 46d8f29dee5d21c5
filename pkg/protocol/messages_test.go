package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseBeginDefaults(t *testing.T) {
	hdr, payload, err := Parse([]byte(`{"header":{"name":"Begin","mid":"c1"},"payload":{}}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if hdr.Name != NameBegin || hdr.MessageID != "c1" {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	p, err := ParseBegin(payload)
	if err != nil {
		t.Fatalf("begin parse error: %v", err)
	}
	cfg := ConfigFromBegin(p)
	if cfg.Format != "pcm" || cfg.SampleRate != 16000 || !cfg.UseITN || cfg.SilenceMS != 800 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestParseBeginOverrides(t *testing.T) {
	_, payload, err := Parse([]byte(`{"header":{"name":"Begin"},"payload":{"rate":8000,"itn":false,"silence":40,"session_id":"abc","mystery":1}}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	p, err := ParseBegin(payload)
	if err != nil {
		t.Fatalf("begin parse error: %v", err)
	}
	cfg := ConfigFromBegin(p)
	if cfg.SampleRate != 8000 || cfg.UseITN || cfg.SilenceMS != 40 || cfg.SessionID != "abc" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestParseErrors(t *testing.T) {
	if _, _, err := Parse([]byte(`{not json`)); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected invalid JSON, got %v", err)
	}
	if _, _, err := Parse([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMissingHeader) {
		t.Fatalf("expected missing header, got %v", err)
	}
	if _, _, err := Parse([]byte(`{"header":{"mid":"1"}}`)); !errors.Is(err, ErrMissingName) {
		t.Fatalf("expected missing name, got %v", err)
	}
}

func TestMissingPayloadDefaultsToEmptyObject(t *testing.T) {
	_, payload, err := Parse([]byte(`{"header":{"name":"End"}}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if string(payload) != "{}" {
		t.Fatalf("expected empty object payload, got %s", payload)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := EncodeEvent(NameSentenceEnd, SentenceEndPayload{
		Index: 2, Time: 2500, Begin: 900, Text: "hello world.",
		SpeakerID: "speaker-1", Speaker: "Alice",
	}, "sid-1")
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if msg.Header.Name != NameSentenceEnd || msg.Header.Status != StatusOK {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if msg.Header.SessionID != "sid-1" || msg.Header.MessageID == "" {
		t.Fatalf("missing sid/mid: %+v", msg.Header)
	}
	var p SentenceEndPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.Index != 2 || p.Time != 2500 || p.Begin != 900 || p.Text != "hello world." || p.SpeakerID != "speaker-1" {
		t.Fatalf("payload round trip mismatch: %+v", p)
	}
}

func TestSpeakerFieldsOmittedWhenEmpty(t *testing.T) {
	data, err := EncodeEvent(NameResult, ResultPayload{Index: 1, Time: 10, Text: "hi"}, "s")
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(msg.Payload, &generic); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if _, ok := generic["speaker_id"]; ok {
		t.Fatalf("speaker_id should be omitted when not identified")
	}
	if _, ok := generic["speaker"]; ok {
		t.Fatalf("speaker should be omitted when not identified")
	}
}
