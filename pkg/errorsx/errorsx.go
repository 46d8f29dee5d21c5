// Package errorsx tags pipeline errors with the stage they came from, so the
// session can map a failure onto a wire status code without inspecting error
// strings.
package errorsx

import "errors"

// Stage names the part of the recognition path an error originated in.
type Stage string

const (
	StageUnknown     Stage = "unknown"
	StageModelInit   Stage = "model_init"
	StageDecode      Stage = "decode"
	StageVAD         Stage = "vad"
	StagePunctuation Stage = "punctuation"
	StageSpeakerID   Stage = "speaker_id"
	StageStore       Stage = "store"
	StageTransport   Stage = "transport"
	StageConfig      Stage = "config"
)

// StageError is an error annotated with its pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Stage)
	}
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with stage. A nil error stays nil; an error that
// already carries a stage keeps its original one.
func Wrap(err error, stage Stage) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage from an error chain, StageUnknown if absent.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageUnknown
}
