package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndStageOf(t *testing.T) {
	base := errors.New("onnx session create failed")
	err := Wrap(base, StageModelInit)
	if StageOf(err) != StageModelInit {
		t.Fatalf("expected model_init stage, got %s", StageOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error should unwrap to base")
	}
	if err.Error() != "model_init: onnx session create failed" {
		t.Fatalf("stage missing from message: %q", err.Error())
	}
	// wrapping again keeps the first stage
	again := Wrap(fmt.Errorf("decode: %w", err), StageDecode)
	if StageOf(again) != StageModelInit {
		t.Fatalf("expected original stage preserved, got %s", StageOf(again))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, StageDecode) != nil {
		t.Fatalf("wrapping nil should stay nil")
	}
	if StageOf(nil) != StageUnknown {
		t.Fatalf("nil error has unknown stage")
	}
}
