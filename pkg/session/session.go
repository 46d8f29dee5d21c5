// Package session holds the per-connection protocol state machine and the
// dual-mode audio pipeline. Text frames run on the control executor; binary
// frames are strand-serialized onto the work executor so one session never
// decodes concurrently with itself. All outbound events go through the
// Sender, which enqueues onto the control executor and must not block
// indefinitely.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/audio"
	"github.com/zighouse/zasr/pkg/errorsx"
	"github.com/zighouse/zasr/pkg/executor"
	"github.com/zighouse/zasr/pkg/protocol"
	"github.com/zighouse/zasr/pkg/voiceprint"
)

// State of the protocol state machine.
type State int

const (
	StateConnected State = iota
	StateStarted
	StateProcessing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Sender is the session's outbound path. Send enqueues an already-encoded
// text frame onto the control executor; Close closes the socket with a
// normal-close reason. Both are safe to call from any executor.
type Sender interface {
	Send(data []byte)
	Close(reason string)
}

// EngineFactory builds the per-session model bundle from the client config.
type EngineFactory func(cfg protocol.ClientConfig) (*asr.Engine, error)

// Config carries the server-side pipeline knobs.
type Config struct {
	// VADWindowSize is W in samples (default 480 = 30 ms at 16 kHz).
	VADWindowSize int
	// UpdateInterval is the minimum spacing of partial results.
	UpdateInterval time.Duration
	// Engine builds the recognizer bundle at Begin.
	Engine EngineFactory
	// Identifier enables speaker tagging when non-nil.
	Identifier *voiceprint.Identifier
	// MinSpeakerSamples gates identification on utterance length.
	MinSpeakerSamples int
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.VADWindowSize <= 0 {
		c.VADWindowSize = 480
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 200 * time.Millisecond
	}
	if c.MinSpeakerSamples <= 0 {
		c.MinSpeakerSamples = 8000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type sentence struct {
	index       int
	beginTime   int64
	currentTime int64
	text        string
	active      bool
}

// Session is one WebSocket connection's recognition state.
type Session struct {
	cfg    Config
	sender Sender
	work   *executor.Executor
	log    *slog.Logger

	lastActivity atomic.Int64 // unix nanos

	mu        sync.Mutex
	state     State
	clientCfg protocol.ClientConfig
	sessionID string
	engine    *asr.Engine
	offStream asr.OfflineStream
	onStream  asr.OnlineStream

	totalSamples int64
	totalMS      int64
	rawBuf       []int16
	floatBuf     []float32
	vadOffset    int
	fedOffset    int
	speechOn     bool

	sentenceCounter int
	cur             sentence
	sentenceAudio   []float32

	lastUpdate time.Time
	now        func() time.Time

	binQueue     [][]byte
	binScheduled bool
}

// New builds a session bound to its sender and the shared work executor.
func New(sender Sender, work *executor.Executor, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		sender: sender,
		work:   work,
		log:    cfg.Logger,
		state:  StateConnected,
		now:    time.Now,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.lastUpdate = time.Now()
	return s
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id issued at Begin, "" before that.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastActivity returns the time of the last inbound frame. Read by the
// reaper without taking the session lock.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// HandleText processes one inbound text frame. Runs on the control executor.
func (s *Session) HandleText(data []byte) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		s.state = StateClosed
		return
	}

	hdr, payload, err := protocol.Parse(data)
	if err != nil {
		switch err {
		case protocol.ErrMissingHeader:
			s.sendError(protocol.StatusMissingHeader, "Missing or invalid header")
		case protocol.ErrMissingName:
			s.sendError(protocol.StatusMissingName, "Missing name in header")
		default:
			s.sendError(protocol.StatusInvalidJSON, "Invalid JSON format")
		}
		return
	}

	switch hdr.Name {
	case protocol.NameBegin:
		s.handleBegin(payload)
	case protocol.NameEnd:
		s.handleEnd()
	default:
		s.sendError(protocol.StatusUnsupportedName, "Unsupported message name: "+hdr.Name)
	}
}

func (s *Session) handleBegin(payload []byte) {
	if s.state != StateConnected {
		s.sendError(protocol.StatusInvalidStateForBegin, "Invalid state for Begin")
		return
	}

	begin, err := protocol.ParseBegin(payload)
	if err != nil {
		s.sendError(protocol.StatusInvalidJSON, "Invalid JSON format")
		return
	}
	cfg := protocol.ConfigFromBegin(begin)
	if cfg.Format != "pcm" {
		s.sendError(protocol.StatusUnsupportedFormat, "Unsupported audio format: "+cfg.Format)
		return
	}
	if cfg.SampleRate != audio.SampleRate {
		s.sendError(protocol.StatusUnsupportedRate, fmt.Sprintf("Unsupported sample rate: %dHz", cfg.SampleRate))
		return
	}

	if s.cfg.Engine == nil {
		s.sendError(protocol.StatusConfigUnavailable, "Server configuration not available")
		return
	}
	engine, err := s.cfg.Engine(cfg)
	if err != nil {
		s.log.Error("session init failed", "error", err.Error())
		s.sendError(protocol.StatusSessionInitError, "Error initializing session: "+err.Error())
		return
	}

	s.clientCfg = cfg
	s.engine = engine
	s.sessionID = cfg.SessionID
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.state = StateStarted
	s.lastUpdate = s.now()

	s.sendEvent(protocol.NameStarted, protocol.StartedPayload{SessionID: s.sessionID})
	s.log.Info("transcription started", "sid", s.sessionID, "itn", cfg.UseITN, "silence_ms", cfg.SilenceMS)
}

func (s *Session) handleEnd() {
	if s.state == StateConnected {
		s.sendError(protocol.StatusNotStarted, "Transcription not started")
		return
	}

	// drain whatever is buffered before finalizing
	if len(s.binQueue) > 0 {
		s.drainQueuedLocked()
		if s.state != StateStarted && s.state != StateProcessing {
			// the drain failed and already closed the session
			return
		}
	}

	if s.cur.active {
		s.finalizeSentenceLocked()
	}
	s.sendEvent(protocol.NameCompleted, struct{}{})
	s.state = StateClosing
	s.releaseEngineLocked()
	s.sender.Close("Transcription completed")
	s.log.Info("transcription completed", "sid", s.sessionID, "sentences", s.sentenceCounter)
}

// HandleBinary enqueues one inbound binary frame and schedules the session's
// work strand. Safe to call from the control executor.
func (s *Session) HandleBinary(data []byte) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	if s.state != StateStarted && s.state != StateProcessing {
		s.sendError(protocol.StatusBinaryInWrongState, "Binary frame in wrong state")
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.binQueue = append(s.binQueue, buf)
	if !s.binScheduled {
		s.binScheduled = true
		if !s.work.Post(s.drainWork) {
			s.binScheduled = false
		}
	}
}

// drainWork runs on the work executor and processes queued frames in arrival
// order. Only one drain per session is scheduled at a time.
func (s *Session) drainWork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainQueuedLocked()
	s.binScheduled = false
}

func (s *Session) drainQueuedLocked() {
	for len(s.binQueue) > 0 {
		frame := s.binQueue[0]
		s.binQueue = s.binQueue[1:]
		if s.state != StateStarted && s.state != StateProcessing {
			continue
		}
		if err := s.consumeFrameLocked(frame); err != nil {
			s.failPipelineLocked(err)
			return
		}
	}
}

func (s *Session) consumeFrameLocked(frame []byte) error {
	samples := audio.BytesToInt16(frame)
	if len(samples) == 0 {
		return nil
	}
	s.appendSamplesLocked(samples)
	if s.state == StateStarted {
		s.state = StateProcessing
	}
	return s.processLocked()
}

func (s *Session) appendSamplesLocked(samples []int16) {
	s.rawBuf = append(s.rawBuf, samples...)
	s.totalSamples += int64(len(samples))
	s.totalMS = audio.SamplesToMs(s.totalSamples)
}

func (s *Session) processLocked() error {
	if s.engine == nil {
		return nil
	}
	if s.engine.Mode() == asr.ModeOnline {
		return s.processOnlineLocked()
	}
	return s.processOfflineLocked()
}

// processOfflineLocked drives the VAD-gated offline pipeline.
func (s *Session) processOfflineLocked() error {
	if len(s.rawBuf) == 0 {
		return nil
	}
	vad := s.engine.VAD
	rec := s.engine.Offline
	if vad == nil || rec == nil {
		return nil
	}

	s.floatBuf = audio.Int16ToFloat(s.rawBuf)
	w := s.cfg.VADWindowSize

	for s.vadOffset+w <= len(s.floatBuf) {
		vad.AcceptWindow(s.floatBuf[s.vadOffset : s.vadOffset+w])
		if !s.speechOn && vad.IsSpeech() {
			s.speechOn = true
			s.fedOffset = 0
			s.sentenceAudio = s.sentenceAudio[:0]
			stream, err := rec.NewStream()
			if err != nil {
				return errorsx.Wrap(err, errorsx.StageDecode)
			}
			s.offStream = stream
			s.openSentenceLocked()
		}
		s.vadOffset += w
	}

	// bound memory during pure silence: keep the last 10 windows
	if !s.speechOn && len(s.floatBuf) > 10*w {
		keep := 10 * w
		cut := len(s.floatBuf) - keep
		if s.fedOffset > cut {
			s.fedOffset -= cut
		} else {
			s.fedOffset = 0
		}
		if s.vadOffset > cut {
			s.vadOffset -= cut
		} else {
			s.vadOffset = 0
		}
		s.floatBuf = s.floatBuf[cut:]
		s.rawBuf = s.rawBuf[cut:]
	}

	if s.speechOn && s.offStream != nil && len(s.floatBuf) > 0 {
		if s.fedOffset > len(s.floatBuf) {
			s.fedOffset = 0
		}
		if fresh := s.floatBuf[s.fedOffset:]; len(fresh) > 0 {
			s.offStream.AcceptWaveform(audio.SampleRate, fresh)
			s.sentenceAudio = append(s.sentenceAudio, fresh...)
			s.fedOffset = len(s.floatBuf)
		}

		if s.now().Sub(s.lastUpdate) >= s.cfg.UpdateInterval {
			if err := rec.Decode(s.offStream); err != nil {
				return errorsx.Wrap(err, errorsx.StageDecode)
			}
			text, err := rec.Result(s.offStream)
			if err != nil {
				return errorsx.Wrap(err, errorsx.StageDecode)
			}
			if text != s.cur.text {
				s.cur.text = text
				s.cur.currentTime = s.totalMS
				s.sendEvent(protocol.NameResult, protocol.ResultPayload{
					Index: s.cur.index,
					Time:  s.totalMS,
					Text:  text,
				})
			}
			s.lastUpdate = s.now()
		}
	}

	segments := 0
	for !vad.Empty() {
		vad.Pop()
		segments++
	}
	if segments > 0 && s.offStream != nil {
		if err := rec.Decode(s.offStream); err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		text, err := rec.Result(s.offStream)
		if err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		s.cur.text = text
		s.cur.currentTime = s.totalMS
		s.finalizeSentenceLocked()

		s.speechOn = false
		s.fedOffset = 0
		s.offStream = nil
		s.rawBuf = s.rawBuf[:0]
		s.floatBuf = s.floatBuf[:0]
		s.vadOffset = 0
	}
	return nil
}

// processOnlineLocked drives the endpointer-based streaming pipeline.
func (s *Session) processOnlineLocked() error {
	rec := s.engine.Online
	if rec == nil {
		return nil
	}
	if s.onStream == nil {
		stream, err := rec.NewStream()
		if err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		s.onStream = stream
		s.openSentenceLocked()
	}

	if len(s.rawBuf) > 0 {
		samples := audio.Int16ToFloat(s.rawBuf)
		s.onStream.AcceptWaveform(audio.SampleRate, samples)
		s.sentenceAudio = append(s.sentenceAudio, samples...)
		s.rawBuf = s.rawBuf[:0]
		s.floatBuf = s.floatBuf[:0]
	}

	if rec.IsReady(s.onStream) {
		if err := rec.Decode(s.onStream); err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		text, err := rec.Result(s.onStream)
		if err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		if text != s.cur.text {
			s.cur.text = text
			s.cur.currentTime = s.totalMS
			s.sendEvent(protocol.NameResult, protocol.ResultPayload{
				Index: s.cur.index,
				Time:  s.totalMS,
				Text:  text,
			})
		}
	}

	if rec.IsEndpoint(s.onStream) {
		if err := rec.Decode(s.onStream); err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		text, err := rec.Result(s.onStream)
		if err != nil {
			return errorsx.Wrap(err, errorsx.StageDecode)
		}
		s.cur.text = text
		s.cur.currentTime = s.totalMS
		s.finalizeSentenceLocked()
		rec.Reset(s.onStream)
		s.openSentenceLocked()
	}
	return nil
}

// openSentenceLocked starts sentence counter+1 at the current clock.
func (s *Session) openSentenceLocked() {
	s.sentenceCounter++
	s.cur = sentence{
		index:       s.sentenceCounter,
		beginTime:   s.totalMS,
		currentTime: s.totalMS,
		active:      true,
	}
	s.sentenceAudio = s.sentenceAudio[:0]
	s.sendEvent(protocol.NameSentenceBegin, protocol.SentenceBeginPayload{
		Index: s.cur.index,
		Time:  s.cur.beginTime,
	})
}

// finalizeSentenceLocked emits SentenceEnd for the active sentence, applying
// punctuation and speaker identification.
func (s *Session) finalizeSentenceLocked() {
	if !s.cur.active {
		return
	}
	text := s.cur.text
	if s.engine != nil && s.engine.Punct != nil && text != "" {
		if punctuated, err := s.engine.Punct.AddPunctuation(text); err == nil {
			text = punctuated
		} else {
			s.log.Warn("punctuation failed", "error", err.Error())
		}
	}

	if ms := audio.SamplesToMs(s.totalSamples); ms != s.totalMS {
		s.log.Error("sample clock out of sync", "sid", s.sessionID, "total_ms", s.totalMS, "samples_ms", ms)
	}
	payload := protocol.SentenceEndPayload{
		Index: s.cur.index,
		Time:  s.totalMS,
		Begin: s.cur.beginTime,
		Text:  text,
	}
	if id, name := s.identifySpeakerLocked(); id != "" {
		payload.SpeakerID = id
		payload.Speaker = name
	}
	s.sendEvent(protocol.NameSentenceEnd, payload)
	s.cur.active = false
	s.sentenceAudio = s.sentenceAudio[:0]
}

func (s *Session) identifySpeakerLocked() (string, string) {
	if s.cfg.Identifier == nil || len(s.sentenceAudio) < s.cfg.MinSpeakerSamples {
		return "", ""
	}
	res, err := s.cfg.Identifier.ProcessSegment(s.sentenceAudio)
	if err != nil {
		s.log.Debug("speaker identification failed", "error", err.Error())
		return "", ""
	}
	return res.SpeakerID, res.SpeakerName
}

// failPipelineLocked converts a pipeline error into a Failed event and moves
// the session to closing.
func (s *Session) failPipelineLocked(err error) {
	status := protocol.StatusFor(errorsx.StageOf(err))
	s.log.Error("pipeline failed", "sid", s.sessionID, "status", status, "error", err.Error())
	s.sendError(status, "Error processing audio data: "+err.Error())
	s.state = StateClosing
	s.releaseEngineLocked()
	s.sender.Close("Processing error")
}

// Close finalizes the session: active sentence ended, Completed emitted when
// a transcription was started, model handles released. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	wasClosing := s.state == StateClosing
	s.state = StateClosing
	s.rawBuf = nil
	s.floatBuf = nil
	s.vadOffset = 0
	s.binQueue = nil

	if !wasClosing {
		if s.cur.active {
			s.finalizeSentenceLocked()
		}
		if s.sessionID != "" {
			s.sendEvent(protocol.NameCompleted, struct{}{})
		}
	}
	s.releaseEngineLocked()
	s.state = StateClosed
}

func (s *Session) releaseEngineLocked() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	s.offStream = nil
	s.onStream = nil
}

func (s *Session) sendEvent(name string, payload any) {
	data, err := protocol.EncodeEvent(name, payload, s.sessionID)
	if err != nil {
		s.log.Error("encode event failed", "event", name, "error", err.Error())
		return
	}
	s.sender.Send(data)
}

func (s *Session) sendError(status int, text string) {
	data, err := protocol.EncodeFailed(status, text, s.sessionID)
	if err != nil {
		s.log.Error("encode failed event", "error", err.Error())
		return
	}
	s.sender.Send(data)
}
