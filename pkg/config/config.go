// Package config loads the server configuration from YAML (viper) and flag
// overrides, applies defaults, expands ${ENV} references in string values and
// resolves model paths against the standard search directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zighouse/zasr/pkg/asr"
)

type ServerSettings struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	WorkerThreads  int    `mapstructure:"worker_threads"`
}

type AudioSettings struct {
	SampleRate  int `mapstructure:"sample_rate"`
	SampleWidth int `mapstructure:"sample_width"`
}

type VADSettings struct {
	Enabled            *bool   `mapstructure:"enabled"`
	Model              string  `mapstructure:"model"`
	Threshold          float32 `mapstructure:"threshold"`
	MinSilenceDuration float32 `mapstructure:"min_silence_duration"`
	MinSpeechDuration  float32 `mapstructure:"min_speech_duration"`
	MaxSpeechDuration  float32 `mapstructure:"max_speech_duration"`
}

type SenseVoiceSettings struct {
	Model  string `mapstructure:"model"`
	Tokens string `mapstructure:"tokens"`
}

type ZipformerSettings struct {
	Encoder string `mapstructure:"encoder"`
	Decoder string `mapstructure:"decoder"`
	Joiner  string `mapstructure:"joiner"`
	Tokens  string `mapstructure:"tokens"`
}

type ParaformerSettings struct {
	Encoder string `mapstructure:"encoder"`
	Decoder string `mapstructure:"decoder"`
	Tokens  string `mapstructure:"tokens"`
}

type ASRSettings struct {
	Type       string             `mapstructure:"type"`
	Provider   string             `mapstructure:"provider"`
	NumThreads int                `mapstructure:"num_threads"`
	UseITN     bool               `mapstructure:"use_itn"`
	SenseVoice SenseVoiceSettings `mapstructure:"sense_voice"`
	Zipformer  ZipformerSettings  `mapstructure:"streaming_zipformer"`
	Paraformer ParaformerSettings `mapstructure:"streaming_paraformer"`
	Settings   map[string]any     `mapstructure:"settings"`
}

type PunctuationSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

type ProcessingSettings struct {
	VADWindowSizeMS  float32 `mapstructure:"vad_window_size_ms"`
	UpdateIntervalMS float32 `mapstructure:"update_interval_ms"`
	MaxBatchSize     int     `mapstructure:"max_batch_size"`
}

type TimeoutSettings struct {
	ConnectionSeconds  int `mapstructure:"connection"`
	RecognitionSeconds int `mapstructure:"recognition"`
}

type LoggingSettings struct {
	File    string `mapstructure:"file"`
	Level   string `mapstructure:"level"`
	DataDir string `mapstructure:"data_dir"`
	Metrics string `mapstructure:"metrics"`
}

type SpeakerSettings struct {
	Enabled          bool    `mapstructure:"enabled"`
	Model            string  `mapstructure:"model"`
	DiarizationModel string  `mapstructure:"diarization_model"`
	DB               string  `mapstructure:"db"`
	Threshold        float32 `mapstructure:"threshold"`
	AutoTrack        bool    `mapstructure:"auto_track"`
}

// Config is the full server configuration tree.
type Config struct {
	Server      ServerSettings      `mapstructure:"server"`
	Audio       AudioSettings       `mapstructure:"audio"`
	VAD         VADSettings         `mapstructure:"vad"`
	ASR         ASRSettings         `mapstructure:"asr"`
	Punctuation PunctuationSettings `mapstructure:"punctuation"`
	Processing  ProcessingSettings  `mapstructure:"processing"`
	Timeouts    TimeoutSettings     `mapstructure:"timeouts"`
	Logging     LoggingSettings     `mapstructure:"logging"`
	Speaker     SpeakerSettings     `mapstructure:"speaker"`
}

// NewViper builds a viper instance with every default registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 2026)
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("server.worker_threads", 4)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.sample_width", 2)
	v.SetDefault("vad.threshold", 0.5)
	v.SetDefault("vad.min_silence_duration", 0.1)
	v.SetDefault("vad.min_speech_duration", 0.25)
	v.SetDefault("vad.max_speech_duration", 8.0)
	v.SetDefault("asr.type", asr.TypeSenseVoice)
	v.SetDefault("asr.provider", "sherpa-onnx")
	v.SetDefault("asr.num_threads", 2)
	v.SetDefault("asr.use_itn", true)
	v.SetDefault("punctuation.enabled", false)
	v.SetDefault("processing.vad_window_size_ms", 30)
	v.SetDefault("processing.update_interval_ms", 200)
	v.SetDefault("processing.max_batch_size", 5)
	v.SetDefault("timeouts.connection", 15)
	v.SetDefault("timeouts.recognition", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("speaker.enabled", false)
	v.SetDefault("speaker.threshold", 0.75)
	v.SetDefault("speaker.auto_track", true)
	return v
}

// ConfigFilePath resolves the config file: explicit path first, then
// ZASR_CONFIG.
func ConfigFilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("ZASR_CONFIG")
}

// Load reads the optional YAML file into v and decodes the tree.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	expandEnvStrings(reflect.ValueOf(&cfg))
	cfg.resolveModelPaths()
	return cfg, nil
}

// expandEnvStrings walks the struct and expands ${VAR} in every string field.
func expandEnvStrings(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandEnvStrings(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandEnvStrings(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}

// ModelSearchPaths lists the directories model files resolve against.
func ModelSearchPaths() []string {
	var paths []string
	if dir := os.Getenv("MODELS_DIR"); dir != "" {
		paths = append(paths, dir)
	}
	if dir := os.Getenv("DEPLOY_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "models"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".zasr", "models"))
	}
	paths = append(paths, "/models/k2-fsa")
	return paths
}

// FindModelFile resolves a relative model path against the search paths,
// returning the input unchanged when nothing matches.
func FindModelFile(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	for _, dir := range ModelSearchPaths() {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

func (c *Config) resolveModelPaths() {
	c.VAD.Model = FindModelFile(c.VAD.Model)
	c.ASR.SenseVoice.Model = FindModelFile(c.ASR.SenseVoice.Model)
	c.ASR.SenseVoice.Tokens = FindModelFile(c.ASR.SenseVoice.Tokens)
	c.ASR.Zipformer.Encoder = FindModelFile(c.ASR.Zipformer.Encoder)
	c.ASR.Zipformer.Decoder = FindModelFile(c.ASR.Zipformer.Decoder)
	c.ASR.Zipformer.Joiner = FindModelFile(c.ASR.Zipformer.Joiner)
	c.ASR.Zipformer.Tokens = FindModelFile(c.ASR.Zipformer.Tokens)
	c.ASR.Paraformer.Encoder = FindModelFile(c.ASR.Paraformer.Encoder)
	c.ASR.Paraformer.Decoder = FindModelFile(c.ASR.Paraformer.Decoder)
	c.ASR.Paraformer.Tokens = FindModelFile(c.ASR.Paraformer.Tokens)
	c.Punctuation.Model = FindModelFile(c.Punctuation.Model)
	c.Speaker.Model = FindModelFile(c.Speaker.Model)
	c.Speaker.DiarizationModel = FindModelFile(c.Speaker.DiarizationModel)

	if c.ASR.Type == asr.TypeSenseVoice && c.VAD.Model == "" && vadEnabled(c.VAD.Enabled) {
		c.VAD.Model = FindModelFile("silero_vad.onnx")
	}
}

func vadEnabled(flag *bool) bool {
	return flag == nil || *flag
}

// Tokens returns the tokens path of the selected recognizer.
func (c Config) Tokens() string {
	switch c.ASR.Type {
	case asr.TypeStreamingZipformer:
		return c.ASR.Zipformer.Tokens
	case asr.TypeStreamingParaformer:
		return c.ASR.Paraformer.Tokens
	default:
		return c.ASR.SenseVoice.Tokens
	}
}

// Validate applies the startup validation rules.
func (c Config) Validate() error {
	switch c.ASR.Type {
	case asr.TypeSenseVoice:
		if c.VAD.Model == "" {
			return fmt.Errorf("vad.model is required for recognizer type %s", asr.TypeSenseVoice)
		}
		if c.ASR.SenseVoice.Model == "" {
			return fmt.Errorf("asr.sense_voice.model is required for recognizer type %s", asr.TypeSenseVoice)
		}
	case asr.TypeStreamingZipformer:
		if c.ASR.Zipformer.Encoder == "" || c.ASR.Zipformer.Decoder == "" || c.ASR.Zipformer.Joiner == "" {
			return fmt.Errorf("asr.streaming_zipformer encoder/decoder/joiner are required for recognizer type %s", asr.TypeStreamingZipformer)
		}
	case asr.TypeStreamingParaformer:
		if c.ASR.Paraformer.Encoder == "" || c.ASR.Paraformer.Decoder == "" {
			return fmt.Errorf("asr.streaming_paraformer encoder/decoder are required for recognizer type %s", asr.TypeStreamingParaformer)
		}
	default:
		return fmt.Errorf("invalid recognizer type %q", c.ASR.Type)
	}
	if c.Tokens() == "" {
		return fmt.Errorf("tokens path is required")
	}
	if c.Audio.SampleRate != 16000 {
		return fmt.Errorf("sample rate must be 16000")
	}
	if c.Audio.SampleWidth != 2 {
		return fmt.Errorf("sample width must be 2 (s16le)")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be > 0")
	}
	if c.Server.WorkerThreads <= 0 {
		return fmt.Errorf("server.worker_threads must be > 0")
	}
	if c.ASR.NumThreads <= 0 {
		return fmt.Errorf("asr.num_threads must be > 0")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be in (0, 1]")
	}
	if c.VAD.MinSilenceDuration < 0 {
		return fmt.Errorf("vad.min_silence_duration must be >= 0")
	}
	if c.VAD.MinSpeechDuration <= 0 {
		return fmt.Errorf("vad.min_speech_duration must be > 0")
	}
	if c.VAD.MaxSpeechDuration <= 0 {
		return fmt.Errorf("vad.max_speech_duration must be > 0")
	}
	if c.Processing.VADWindowSizeMS <= 0 {
		return fmt.Errorf("processing.vad_window_size_ms must be > 0")
	}
	if c.Processing.UpdateIntervalMS <= 0 {
		return fmt.Errorf("processing.update_interval_ms must be > 0")
	}
	if c.Processing.MaxBatchSize <= 0 {
		return fmt.Errorf("processing.max_batch_size must be > 0")
	}
	if c.Timeouts.ConnectionSeconds <= 0 {
		return fmt.Errorf("timeouts.connection must be > 0")
	}
	if c.Timeouts.RecognitionSeconds <= 0 {
		return fmt.Errorf("timeouts.recognition must be > 0")
	}
	if c.Speaker.Enabled && c.Speaker.Model == "" {
		return fmt.Errorf("speaker.model is required when speaker identification is enabled")
	}
	return nil
}

// VADWindowSamples converts the window size to samples.
func (c Config) VADWindowSamples() int {
	return int(float64(c.Audio.SampleRate) * float64(c.Processing.VADWindowSizeMS) / 1000.0)
}

// UpdateInterval converts the partial-result cadence to a duration.
func (c Config) UpdateInterval() time.Duration {
	return time.Duration(float64(c.Processing.UpdateIntervalMS) * float64(time.Millisecond))
}

// ConnectionTimeout converts the idle cutoff to a duration.
func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectionSeconds) * time.Second
}

// EngineConfig materializes the per-session engine configuration. The client
// silence option overrides min-silence when above the 50 ms floor.
func (c Config) EngineConfig(clientSilenceMS int, useITN bool) asr.EngineConfig {
	minSilence := c.VAD.MinSilenceDuration
	if clientSilenceMS > 50 {
		minSilence = float32(clientSilenceMS) / 1000.0
	}
	return asr.EngineConfig{
		RecognizerType: c.ASR.Type,
		SampleRate:     c.Audio.SampleRate,
		NumThreads:     c.ASR.NumThreads,
		UseITN:         useITN,

		Tokens:          c.Tokens(),
		SenseVoiceModel: c.ASR.SenseVoice.Model,

		ZipformerEncoder: c.ASR.Zipformer.Encoder,
		ZipformerDecoder: c.ASR.Zipformer.Decoder,
		ZipformerJoiner:  c.ASR.Zipformer.Joiner,

		ParaformerEncoder: c.ASR.Paraformer.Encoder,
		ParaformerDecoder: c.ASR.Paraformer.Decoder,

		VAD: asr.VADConfig{
			Model:              c.VAD.Model,
			Threshold:          c.VAD.Threshold,
			MinSilenceDuration: minSilence,
			MinSpeechDuration:  c.VAD.MinSpeechDuration,
			MaxSpeechDuration:  c.VAD.MaxSpeechDuration,
			WindowSize:         c.VADWindowSamples(),
		},
		Endpoint: asr.DefaultEndpointConfig(),

		EnablePunctuation: c.Punctuation.Enabled,
		PunctuationModel:  c.Punctuation.Model,

		Settings: c.ASR.Settings,
	}
}

// SpeakerConfig materializes the speaker-identification model config.
func (c Config) SpeakerConfig() asr.SpeakerConfig {
	return asr.SpeakerConfig{
		EmbeddingModel:   c.Speaker.Model,
		DiarizationModel: c.Speaker.DiarizationModel,
		NumThreads:       c.ASR.NumThreads,
	}
}

// Summary renders the startup configuration report.
func (c Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zasr server configuration:\n")
	fmt.Fprintf(&b, "  server: %s:%d (max %d connections, %d workers)\n",
		c.Server.Host, c.Server.Port, c.Server.MaxConnections, c.Server.WorkerThreads)
	fmt.Fprintf(&b, "  audio: %dHz, %d bytes/sample\n", c.Audio.SampleRate, c.Audio.SampleWidth)
	fmt.Fprintf(&b, "  recognizer: %s (tokens %s)\n", c.ASR.Type, c.Tokens())
	if c.ASR.Type == asr.TypeSenseVoice {
		fmt.Fprintf(&b, "  vad: %s threshold=%.2f window=%.0fms\n",
			c.VAD.Model, c.VAD.Threshold, c.Processing.VADWindowSizeMS)
	}
	fmt.Fprintf(&b, "  punctuation: %v\n", c.Punctuation.Enabled)
	fmt.Fprintf(&b, "  speaker id: %v\n", c.Speaker.Enabled)
	fmt.Fprintf(&b, "  timeouts: connection=%ds recognition=%ds\n",
		c.Timeouts.ConnectionSeconds, c.Timeouts.RecognitionSeconds)
	return b.String()
}
