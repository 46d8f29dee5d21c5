// Package protocol implements the JSON control protocol spoken over the
// WebSocket: {header:{name,status,mid,status_text,sid}, payload:{...}}.
// Unknown payload fields are ignored on decode; recognized fields keep their
// values across an encode/decode round trip.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Inbound message names.
const (
	NameBegin = "Begin"
	NameEnd   = "End"
)

// Outbound event names.
const (
	NameStarted       = "Started"
	NameSentenceBegin = "SentenceBegin"
	NameResult        = "Result"
	NameSentenceEnd   = "SentenceEnd"
	NameCompleted     = "Completed"
	NameFailed        = "Failed"
)

// Parse failure classes; the session maps these onto status codes.
var (
	ErrInvalidJSON   = errors.New("invalid JSON format")
	ErrMissingHeader = errors.New("missing or invalid header")
	ErrMissingName   = errors.New("missing name in header")
)

// Header frames every message.
type Header struct {
	Name       string `json:"name"`
	Status     int    `json:"status"`
	MessageID  string `json:"mid"`
	StatusText string `json:"status_text"`
	SessionID  string `json:"sid,omitempty"`
}

// Message is the wire envelope.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BeginPayload carries the client session options. Pointer fields distinguish
// "absent" from zero values so defaults apply only when omitted.
type BeginPayload struct {
	Format     *string `json:"fmt,omitempty"`
	SampleRate *int    `json:"rate,omitempty"`
	UseITN     *bool   `json:"itn,omitempty"`
	SilenceMS  *int    `json:"silence,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
}

// ClientConfig is BeginPayload with defaults applied.
type ClientConfig struct {
	Format     string
	SampleRate int
	UseITN     bool
	SilenceMS  int
	SessionID  string
}

// ConfigFromBegin resolves the payload against the protocol defaults.
func ConfigFromBegin(p BeginPayload) ClientConfig {
	cfg := ClientConfig{
		Format:     "pcm",
		SampleRate: 16000,
		UseITN:     true,
		SilenceMS:  800,
		SessionID:  p.SessionID,
	}
	if p.Format != nil {
		cfg.Format = *p.Format
	}
	if p.SampleRate != nil {
		cfg.SampleRate = *p.SampleRate
	}
	if p.UseITN != nil {
		cfg.UseITN = *p.UseITN
	}
	if p.SilenceMS != nil {
		cfg.SilenceMS = *p.SilenceMS
	}
	return cfg
}

// StartedPayload acknowledges a Begin.
type StartedPayload struct {
	SessionID string `json:"sid"`
}

// SentenceBeginPayload opens sentence idx at time ms.
type SentenceBeginPayload struct {
	Index int   `json:"idx"`
	Time  int64 `json:"time"`
}

// ResultPayload is a partial hypothesis update.
type ResultPayload struct {
	Index     int    `json:"idx"`
	Time      int64  `json:"time"`
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
}

// SentenceEndPayload finalizes a sentence.
type SentenceEndPayload struct {
	Index     int    `json:"idx"`
	Time      int64  `json:"time"`
	Begin     int64  `json:"begin"`
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
}

// Parse splits an inbound text frame into its header and raw payload.
func Parse(data []byte) (Header, json.RawMessage, error) {
	var probe struct {
		Header  json.RawMessage `json:"header"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Header{}, nil, ErrInvalidJSON
	}
	if len(probe.Header) == 0 {
		return Header{}, nil, ErrMissingHeader
	}
	var hdr Header
	if err := json.Unmarshal(probe.Header, &hdr); err != nil {
		return Header{}, nil, ErrMissingHeader
	}
	if hdr.Name == "" {
		return Header{}, nil, ErrMissingName
	}
	payload := probe.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return hdr, payload, nil
}

// ParseBegin decodes a Begin payload, ignoring unknown fields.
func ParseBegin(payload json.RawMessage) (BeginPayload, error) {
	var p BeginPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return BeginPayload{}, ErrInvalidJSON
	}
	return p, nil
}

// Encode builds an outbound message with a fresh server message id.
func Encode(name string, payload any, status int, statusText, sessionID string) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := Message{
		Header: Header{
			Name:       name,
			Status:     status,
			MessageID:  uuid.NewString(),
			StatusText: statusText,
			SessionID:  sessionID,
		},
		Payload: raw,
	}
	return json.Marshal(msg)
}

// EncodeEvent builds a success event (status 20000000).
func EncodeEvent(name string, payload any, sessionID string) ([]byte, error) {
	return Encode(name, payload, StatusOK, "", sessionID)
}

// EncodeFailed builds a Failed event with the given status code and text.
func EncodeFailed(status int, statusText, sessionID string) ([]byte, error) {
	return Encode(NameFailed, struct{}{}, status, statusText, sessionID)
}
