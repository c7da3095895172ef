package core

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by the first Log call after Shutdown and by Configure once the core is closing
var ErrClosed = errors.New("logger is closed")

// ConfigurationError reports an invalid option. It is returned synchronously from Configure,
// from sink constructors and from config loading.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

// NewConfigError builds a ConfigurationError for field
func NewConfigError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// WrapConfigError builds a ConfigurationError caused by err
func WrapConfigError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: err.Error(), Err: err}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// SinkWriteError wraps a failure of one sink. It never reaches the caller of Log; it is counted
// against the sink and handed to the ErrorHandler.
type SinkWriteError struct {
	Sink string
	Op   string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
