package detections

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownOutputLayout means the model output shape matches neither the
// dense grid nor the pre-filtered layout. The cycle yields no detections.
var ErrUnknownOutputLayout = errors.New("unknown output layout")

// Pipeline stages reported by ProcessingError.
const (
	StagePreprocess = "preprocess"
	StageInference  = "inference"
	StageDecode     = "decode"
)

// ProcessingError ties a cycle failure to the stage that produced it.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return e.Stage
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through the stage wrapper.
func (e *ProcessingError) Cause() error { return e.Err }

func stageError(stage string, err error) error {
	return &ProcessingError{Stage: stage, Err: err}
}
