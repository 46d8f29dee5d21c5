package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zighouse/zasr/pkg/asr"
)

func validConfig() Config {
	v := NewViper()
	cfg, _ := Load(v, "")
	cfg.VAD.Model = "/models/silero_vad.onnx"
	cfg.ASR.SenseVoice.Model = "/models/sense-voice.onnx"
	cfg.ASR.SenseVoice.Tokens = "/models/tokens.txt"
	return cfg
}

func TestDefaults(t *testing.T) {
	v := NewViper()
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 2026 || cfg.Server.MaxConnections != 256 || cfg.Server.WorkerThreads != 4 {
		t.Fatalf("server defaults wrong: %+v", cfg.Server)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.SampleWidth != 2 {
		t.Fatalf("audio defaults wrong: %+v", cfg.Audio)
	}
	if cfg.ASR.Type != asr.TypeSenseVoice || !cfg.ASR.UseITN {
		t.Fatalf("asr defaults wrong: %+v", cfg.ASR)
	}
	if cfg.Processing.VADWindowSizeMS != 30 || cfg.Processing.UpdateIntervalMS != 200 {
		t.Fatalf("processing defaults wrong: %+v", cfg.Processing)
	}
	if cfg.Timeouts.ConnectionSeconds != 15 {
		t.Fatalf("timeout default wrong: %+v", cfg.Timeouts)
	}
	if cfg.VADWindowSamples() != 480 {
		t.Fatalf("expected 480-sample window, got %d", cfg.VADWindowSamples())
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("ZASR_TEST_MODELS", "/opt/models")
	dir := t.TempDir()
	path := filepath.Join(dir, "zasr.yaml")
	body := `
server:
  port: 9090
asr:
  type: streaming-zipformer
  streaming_zipformer:
    encoder: ${ZASR_TEST_MODELS}/encoder.onnx
    decoder: ${ZASR_TEST_MODELS}/decoder.onnx
    joiner: ${ZASR_TEST_MODELS}/joiner.onnx
    tokens: ${ZASR_TEST_MODELS}/tokens.txt
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("yaml port not applied: %d", cfg.Server.Port)
	}
	if cfg.ASR.Zipformer.Encoder != "/opt/models/encoder.onnx" {
		t.Fatalf("env not expanded: %q", cfg.ASR.Zipformer.Encoder)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateMissingModels(t *testing.T) {
	cfg := validConfig()
	cfg.ASR.SenseVoice.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing sense-voice model must fail validation")
	}

	cfg = validConfig()
	cfg.ASR.SenseVoice.Tokens = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing tokens must fail validation")
	}

	cfg = validConfig()
	cfg.Audio.SampleRate = 8000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("non-16k sample rate must fail validation")
	}

	cfg = validConfig()
	cfg.ASR.Type = "whisper"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown recognizer type must fail validation")
	}
}

func TestModelSearchPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MODELS_DIR", dir)
	model := filepath.Join(dir, "probe.onnx")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if got := FindModelFile("probe.onnx"); got != model {
		t.Fatalf("model not resolved via MODELS_DIR: %q", got)
	}
	if got := FindModelFile("/abs/path.onnx"); got != "/abs/path.onnx" {
		t.Fatalf("absolute paths must pass through: %q", got)
	}
	if got := FindModelFile("missing.onnx"); got != "missing.onnx" {
		t.Fatalf("unresolved names must pass through: %q", got)
	}
}

func TestClientSilenceOverride(t *testing.T) {
	cfg := validConfig()
	eng := cfg.EngineConfig(800, true)
	if eng.VAD.MinSilenceDuration != 0.8 {
		t.Fatalf("client silence should override: %f", eng.VAD.MinSilenceDuration)
	}
	eng = cfg.EngineConfig(40, true)
	if eng.VAD.MinSilenceDuration != cfg.VAD.MinSilenceDuration {
		t.Fatalf("sub-50ms silence must keep the server default: %f", eng.VAD.MinSilenceDuration)
	}
}
