package configutil

import "testing"

type recognizerSettings struct {
	ChunkSamples int    `mapstructure:"chunk_samples"`
	Provider     string `mapstructure:"provider"`
}

func TestDecodeSettingsKeyStyles(t *testing.T) {
	var out recognizerSettings
	err := DecodeSettings(map[string]any{
		"chunk-samples": "3200", // weakly typed: string into int
		"Provider":      "cpu",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ChunkSamples != 3200 || out.Provider != "cpu" {
		t.Fatalf("settings not decoded: %+v", out)
	}
}

func TestDecodeSettingsEmpty(t *testing.T) {
	out := recognizerSettings{ChunkSamples: 1600}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("nil map must be a no-op: %v", err)
	}
	if out.ChunkSamples != 1600 {
		t.Fatalf("no-op decode must not touch defaults: %+v", out)
	}
}
