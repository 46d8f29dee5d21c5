package asr

import "fmt"

// Recognizer types selectable through configuration.
const (
	TypeSenseVoice          = "sense-voice"
	TypeStreamingZipformer  = "streaming-zipformer"
	TypeStreamingParaformer = "streaming-paraformer"
)

// ModeForType maps a recognizer type to its pipeline mode.
func ModeForType(recognizerType string) (Mode, error) {
	switch recognizerType {
	case TypeSenseVoice:
		return ModeOfflineVAD, nil
	case TypeStreamingZipformer, TypeStreamingParaformer:
		return ModeOnline, nil
	default:
		return ModeOfflineVAD, fmt.Errorf("unknown recognizer type %q", recognizerType)
	}
}

// VADConfig parameterizes the voice-activity detector.
type VADConfig struct {
	Model              string  `mapstructure:"model"`
	Threshold          float32 `mapstructure:"threshold"`
	MinSilenceDuration float32 `mapstructure:"min_silence_duration"`
	MinSpeechDuration  float32 `mapstructure:"min_speech_duration"`
	MaxSpeechDuration  float32 `mapstructure:"max_speech_duration"`
	// WindowSize is the fixed window the detector consumes, in samples.
	WindowSize int `mapstructure:"window_size"`
}

// EndpointConfig carries the numeric endpoint rules of an online recognizer.
type EndpointConfig struct {
	Rule1MinTrailingSilence float32 `mapstructure:"rule1_min_trailing_silence"`
	Rule2MinTrailingSilence float32 `mapstructure:"rule2_min_trailing_silence"`
	Rule3MinUtteranceLength float32 `mapstructure:"rule3_min_utterance_length"`
}

// DefaultEndpointConfig returns the endpoint rule defaults.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Rule1MinTrailingSilence: 1.2,
		Rule2MinTrailingSilence: 0.8,
		Rule3MinUtteranceLength: 10,
	}
}

// FeatureDim is the feature dimension online recognizers are configured with.
const FeatureDim = 80

// EngineConfig is everything a Provider needs to build a session Engine.
type EngineConfig struct {
	RecognizerType string
	SampleRate     int
	NumThreads     int
	UseITN         bool

	Tokens          string
	SenseVoiceModel string

	ZipformerEncoder string
	ZipformerDecoder string
	ZipformerJoiner  string

	ParaformerEncoder string
	ParaformerDecoder string

	VAD      VADConfig
	Endpoint EndpointConfig

	EnablePunctuation bool
	PunctuationModel  string

	// Settings carries provider-specific options not modeled above.
	Settings map[string]any
}

// SpeakerConfig parameterizes the speaker-identification collaborators.
type SpeakerConfig struct {
	EmbeddingModel   string
	DiarizationModel string
	NumThreads       int

	Settings map[string]any
}
