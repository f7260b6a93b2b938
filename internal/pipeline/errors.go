package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted means the detector could not process even a single image.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrFaceNotDetected means a frame has no usable face box.
	ErrFaceNotDetected = errors.New("face not detected")
	// ErrInvalidAudio means the mel-spectrogram cannot drive the pipeline.
	ErrInvalidAudio = errors.New("invalid audio")
	// ErrEmptySource means the frame source yielded no frames at all.
	ErrEmptySource = errors.New("frame source is empty")
)

// FrameError ties a failure to the position of the frame in the located slice.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// NoFallbackError is returned when detection fails before any frame was located.
type NoFallbackError struct {
	Frame int
	Cause error
}

func (e *NoFallbackError) Error() string {
	return fmt.Sprintf("frame %d: no earlier detection to fall back on: %v", e.Frame, e.Cause)
}

func (e *NoFallbackError) Unwrap() error { return e.Cause }

// Is makes every NoFallbackError match ErrFaceNotDetected, whatever the cause.
func (e *NoFallbackError) Is(target error) bool {
	return target == ErrFaceNotDetected
}
