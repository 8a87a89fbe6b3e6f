package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeResolution represents entity resolution outcomes
	ErrorTypeResolution ErrorType = "resolution"
	// ErrorTypeOracle represents extraction oracle errors
	ErrorTypeOracle ErrorType = "oracle"
	// ErrorTypeMerge represents entity merge errors
	ErrorTypeMerge ErrorType = "merge"
	// ErrorTypeGraph represents graph consistency errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeQueue represents pipeline queue errors
	ErrorTypeQueue ErrorType = "queue"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Resolution outcomes

// ErrResolutionAmbiguous is returned when a candidate matches several
// existing entities too closely to pick one. It is a first-class outcome,
// not a failure: the triggering evidence is parked for review, never dropped.
type ErrResolutionAmbiguous struct {
	*BaseError
	CandidateName string
	MatchIDs      []string
}

func NewResolutionAmbiguous(candidateName string, matchIDs []string) *ErrResolutionAmbiguous {
	return &ErrResolutionAmbiguous{
		BaseError:     NewBaseError(ErrorTypeResolution, fmt.Sprintf("ambiguous resolution for %q", candidateName), nil),
		CandidateName: candidateName,
		MatchIDs:      matchIDs,
	}
}

// Oracle errors

// ErrOracleTransient is returned for retryable oracle failures (timeout, rate limit)
type ErrOracleTransient struct {
	*BaseError
	Attempt int
}

func NewOracleTransient(attempt int, err error) *ErrOracleTransient {
	return &ErrOracleTransient{
		BaseError: NewBaseError(ErrorTypeOracle, fmt.Sprintf("transient oracle failure on attempt %d", attempt), err),
		Attempt:   attempt,
	}
}

// ErrOracleExhausted is returned once the retry budget for an event is spent.
// The event is surfaced for inspection, never silently dropped.
type ErrOracleExhausted struct {
	*BaseError
	Attempts int
}

func NewOracleExhausted(attempts int, err error) *ErrOracleExhausted {
	return &ErrOracleExhausted{
		BaseError: NewBaseError(ErrorTypeOracle, fmt.Sprintf("oracle failed after %d attempts", attempts), err),
		Attempts:  attempts,
	}
}

// Merge errors

// ErrMergeConflict is returned when both merge operands are user-created.
// User-created entities are never merged away without explicit confirmation.
type ErrMergeConflict struct {
	*BaseError
	SourceID string
	TargetID string
}

func NewMergeConflict(sourceID, targetID string) *ErrMergeConflict {
	return &ErrMergeConflict{
		BaseError: NewBaseError(ErrorTypeMerge, fmt.Sprintf("refusing to merge user-created entities %s and %s", sourceID, targetID), nil),
		SourceID:  sourceID,
		TargetID:  targetID,
	}
}

// Graph errors

// ErrDanglingReference is returned when a tombstone redirect chain is broken
// or exceeds the bounded chase depth
type ErrDanglingReference struct {
	*BaseError
	EntityID string
}

func NewDanglingReference(entityID string, err error) *ErrDanglingReference {
	return &ErrDanglingReference{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("dangling reference to %s", entityID), err),
		EntityID:  entityID,
	}
}

// Queue errors

// ErrQueueSaturated is the backpressure signal to the submitting layer
type ErrQueueSaturated struct {
	*BaseError
	Tier string
}

func NewQueueSaturated(tier string) *ErrQueueSaturated {
	return &ErrQueueSaturated{
		BaseError: NewBaseError(ErrorTypeQueue, fmt.Sprintf("queue tier %s is full", tier), nil),
		Tier:      tier,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	if baseErr, ok := err.(*BaseError); ok {
		return baseErr.Type == errType
	}
	switch e := err.(type) {
	case *ErrResolutionAmbiguous:
		return e.Type == errType
	case *ErrOracleTransient:
		return e.Type == errType
	case *ErrOracleExhausted:
		return e.Type == errType
	case *ErrMergeConflict:
		return e.Type == errType
	case *ErrDanglingReference:
		return e.Type == errType
	case *ErrQueueSaturated:
		return e.Type == errType
	}
	if wrapped, ok := err.(interface{ Unwrap() error }); ok {
		if inner := wrapped.Unwrap(); inner != nil {
			return IsErrorType(inner, errType)
		}
	}
	return false
}

// IsRetryable reports whether the pipeline should retry the failed event
func IsRetryable(err error) bool {
	switch err.(type) {
	case *ErrOracleTransient:
		return true
	case *ErrOracleExhausted:
		return false
	case *ErrMergeConflict, *ErrResolutionAmbiguous, *ErrQueueSaturated:
		return false
	}
	if wrapped, ok := err.(interface{ Unwrap() error }); ok {
		if inner := wrapped.Unwrap(); inner != nil {
			return IsRetryable(inner)
		}
	}
	return false
}
