package mock

import (
	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/configutil"
)

// engineSettings are the free-form options the mock provider understands.
type engineSettings struct {
	ChunkSamples int `mapstructure:"chunk_samples"`
}

// Provider builds mock engines for any recognizer type. Tests register it
// with asr.Register to stand in for a real model runtime.
type Provider struct {
	// Utterances scripts the hypotheses of every engine built, one slice of
	// progressive hypotheses per utterance.
	Utterances [][]string
	// FailEngine makes NewEngine fail, for session-init error paths.
	FailEngine error
	// FailDecode makes every decode fail, for mid-stream error paths.
	FailDecode bool
	// PunctFail makes the punctuator fail so finals fall back unpunctuated.
	PunctFail bool
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) NewEngine(cfg asr.EngineConfig) (*asr.Engine, error) {
	if p.FailEngine != nil {
		return nil, p.FailEngine
	}
	eng := &asr.Engine{}
	mode, err := asr.ModeForType(cfg.RecognizerType)
	if err != nil {
		return nil, err
	}
	var settings engineSettings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, err
	}
	if mode == asr.ModeOnline {
		rec := NewOnlineRecognizer(cfg.Endpoint, p.Utterances...)
		rec.FailDecode = p.FailDecode
		if settings.ChunkSamples > 0 {
			rec.chunk = settings.ChunkSamples
		}
		eng.Online = rec
	} else {
		rec := NewOfflineRecognizer(p.Utterances...)
		rec.FailDecode = p.FailDecode
		eng.Offline = rec
		eng.VAD = NewVAD(cfg.VAD)
	}
	if cfg.EnablePunctuation {
		eng.Punct = &Punctuator{Fail: p.PunctFail}
	}
	return eng, nil
}

func (p *Provider) NewEmbeddingExtractor(cfg asr.SpeakerConfig) (asr.EmbeddingExtractor, error) {
	return NewEmbeddingExtractor(), nil
}

func (p *Provider) NewSpeakerCounter(cfg asr.SpeakerConfig) (asr.SpeakerCounter, error) {
	return &SpeakerCounter{}, nil
}
