package media

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrNoVideoTrack indicates the source has no track with a video media type.
	ErrNoVideoTrack = errors.New("no video track found")

	// ErrUnsupportedMediaType indicates no codec handles the requested media type.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrUnsupportedContainer indicates the source container could not be recognised.
	ErrUnsupportedContainer = errors.New("unsupported container")

	// ErrTrackAlreadySelected indicates a second track selection on the same source.
	ErrTrackAlreadySelected = errors.New("track already selected")

	// ErrClosed indicates use of a released component.
	ErrClosed = errors.New("closed")
)

// ConfigurationError is a fatal problem detected before the pipeline starts.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message, Err: err}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// StageError wraps an error with stage context.
type StageError struct {
	Stage string
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stage, op string, err error) *StageError {
	return &StageError{Stage: stage, Op: op, Err: err}
}
