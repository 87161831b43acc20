package pipeline

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Start on a session that has already stopped.
var ErrStopped = errors.New("pipeline: stopped")

// Setup stages reported by SetupError.
const (
	StageCodec     = "codec"
	StageTransport = "transport"
	StageSource    = "source"
	StageSink      = "sink"
)

// SetupError means the session could not be built or started. Nothing from
// the failed attempt is left running.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("pipeline %s setup: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
