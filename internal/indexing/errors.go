package indexing

import (
	"errors"
	"fmt"
	"time"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingOwner       = errors.New("owner identity is required")
	errMissingCollection  = errors.New("collection identifier is required")
	errMissingFingerprint = errors.New("fingerprint is required")
	errMissingBackends    = errors.New("at least one backend is required")

	// ErrAllBackendsFailed is returned by a failover composite when no backend answered.
	ErrAllBackendsFailed = errors.New("indexing: all backends failed")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StaleIndexError reports that the indexer heartbeat is missing or too old
// for lookups to be trusted.
type StaleIndexError struct {
	LastProcessed time.Time
	Threshold     time.Duration
	Observed      time.Time
	NeverStarted  bool
}

func (e *StaleIndexError) Error() string {
	if e.NeverStarted {
		return "indexing: no batch has been processed, indexing might not have started"
	}
	return fmt.Sprintf("indexing: last batch processed at %s, %s ago exceeds %s",
		e.LastProcessed.Format(time.RFC3339), e.Observed.Sub(e.LastProcessed).Round(time.Millisecond), e.Threshold)
}

// IsStaleIndex reports whether err carries a StaleIndexError.
func IsStaleIndex(err error) bool {
	var stale *StaleIndexError
	return errors.As(err, &stale)
}
