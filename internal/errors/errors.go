// Package errors provides the error taxonomy shared across beacon.
//
// Three broad categories matter to callers:
//
//   - storage failures: the durable rollup store was unreachable or errored.
//     Surfaced as-is, never retried inside the core; retry/timeout policy
//     belongs to the request layer.
//   - cache load failures: an ancestor lookup against the cluster cache
//     failed. An agent is treated as unknown only on an explicit not-found
//     result, never on a load failure.
//   - contract violations: the caller broke an API precondition (for
//     example a missing transaction name on a per-transaction query).
//     Non-recoverable, fail fast.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found
	ErrNotFound      = errors.New("not found")
	ErrAgentNotFound = errors.New("agent rollup not found")

	// Storage tier
	ErrStorage = errors.New("rollup storage failure")

	// Cluster cache
	ErrCacheLoad = errors.New("cache load failure")

	// Caller contract
	ErrContractViolation = errors.New("contract violation")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Live buffer
	ErrIntervalSealed = errors.New("interval collector already sealed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// ============================================================================
// Category helpers
// ============================================================================

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

// IsStorageFailure returns true if err originated in the durable store.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsCacheLoadFailure returns true if err is a cluster cache load failure.
func IsCacheLoadFailure(err error) bool {
	return errors.Is(err, ErrCacheLoad)
}

// IsContractViolation returns true if err is a caller contract violation.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsValidation returns true if err is a configuration validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Constructors with context
// ============================================================================

// NewStorageFailure creates a storage failure naming the dataset and the
// time range whose retrieval failed.
func NewStorageFailure(dataset string, from, to int64, cause error) error {
	return fmt.Errorf("read %s [%d, %d]: %v: %w", dataset, from, to, cause, ErrStorage)
}

// NewCacheLoadFailure creates a cache load failure naming the cache and key.
func NewCacheLoadFailure(cache, key string, cause error) error {
	return fmt.Errorf("load %s[%q]: %v: %w", cache, key, cause, ErrCacheLoad)
}

// NewContractViolation creates a contract violation with a reason.
func NewContractViolation(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrContractViolation)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
