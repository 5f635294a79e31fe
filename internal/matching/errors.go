package matching

import (
	"errors"
	"fmt"
)

var (
	errMissingEventSource = errors.New("matching: event source is required")
	errMissingDatabase    = errors.New("matching: database handle is required")
)

// ConfigurationError reports malformed criteria or engine configuration.
// It is always returned to the caller and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	message := fmt.Sprintf("matching: invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		return message + ": " + e.Err.Error()
	}
	return message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func newConfigurationError(field, reason string, cause error) error {
	return &ConfigurationError{Field: field, Reason: reason, Err: cause}
}

// StoreError wraps a failure reading the event store during the given phase.
type StoreError struct {
	Phase string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("matching: event store %s failed: %v", e.Phase, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}
