package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ValidationError missing or malformed input, rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError an action guard was not satisfied. State is unchanged.
type ConflictError struct {
	Action string
	Guard  string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %s", e.Guard, e.Reason)
	}
	return fmt.Sprintf("%s rejected by guard %s: %s", e.Action, e.Guard, e.Reason)
}

// DependencyError an external collaborator failed or timed out.
type DependencyError struct {
	Dependency string
	Attempts   int
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Dependency, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// StalenessError a scheduled job missed its expected window.
type StalenessError struct {
	Job      string
	LastRun  time.Time
	Expected time.Duration
}

func (e *StalenessError) Error() string {
	if e.LastRun.IsZero() {
		return fmt.Sprintf("job %s has never run (expected every %s)", e.Job, e.Expected)
	}
	return fmt.Sprintf("job %s last ran at %s (expected every %s)", e.Job, e.LastRun.Format(time.RFC3339), e.Expected)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

func IsDependency(err error) bool {
	var v *DependencyError
	return errors.As(err, &v)
}

func IsStaleness(err error) bool {
	var v *StalenessError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Error codes shared by API envelopes and bulk results.
const (
	CodeValidation = "VALIDATION_FAILED"
	CodeConflict   = "CONFLICT"
	CodeDependency = "DEPENDENCY_FAILED"
	CodeStale      = "JOB_STALE"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeValidation
	case IsConflict(err):
		return CodeConflict
	case IsDependency(err):
		return CodeDependency
	case IsStaleness(err):
		return CodeStale
	case IsNotFound(err):
		return CodeNotFound
	}
	return CodeInternal
}
