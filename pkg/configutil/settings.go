// Package configutil decodes the free-form model-settings map carried in
// the configuration tree (asr.settings) into the typed option structs a
// recognizer provider understands.
package configutil

import "github.com/mitchellh/mapstructure"

// DecodeSettings decodes a settings map into out. Keys match struct fields
// case-insensitively and regardless of underscore/dash style, so YAML written
// as chunk_samples, chunk-samples or chunkSamples all reach the same field.
// Values are weakly typed: a provider option written as a string still
// decodes into an int field.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func normalizeKey(value string) string {
	out := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case r == '_' || r == '-':
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
