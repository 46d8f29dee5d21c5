package protocol

import "github.com/zighouse/zasr/pkg/errorsx"

// StatusOK is the default status carried by every non-failure event.
const StatusOK = 20000000

// Session lifecycle error codes (1000 range).
const (
	StatusInvalidStateForBegin = 1001
	StatusUnsupportedFormat    = 1002
	StatusUnsupportedRate      = 1003
	StatusSessionInitError     = 1004
	StatusNotStarted           = 1005
	StatusBinaryInWrongState   = 1006
)

// Protocol parsing error codes (2000 range).
const (
	StatusInvalidJSON       = 2001
	StatusMessageError      = 2002
	StatusMissingHeader     = 2003
	StatusMissingName       = 2004
	StatusUnsupportedName   = 2005
	StatusProtocolError     = 2006
	StatusConfigUnavailable = 2007
)

// StatusPipelineError is the generic mid-stream processing failure.
const StatusPipelineError = 41040009

// StatusFor maps a pipeline stage failure onto a wire status code.
func StatusFor(stage errorsx.Stage) int {
	switch stage {
	case errorsx.StageModelInit:
		return StatusSessionInitError
	case errorsx.StageConfig:
		return StatusConfigUnavailable
	default:
		return StatusPipelineError
	}
}
