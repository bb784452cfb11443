package rules

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports that a rule payload failed schema or business
// validation. The rule is not persisted; callers get field-level detail.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// VersionConflictError reports an optimistic concurrency failure on update.
// The caller holds a stale version and must re-fetch and retry.
type VersionConflictError struct {
	RuleID          string
	ExpectedVersion int
	CurrentVersion  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("rule %s: expected version %d but store holds version %d",
		e.RuleID, e.ExpectedVersion, e.CurrentVersion)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// NotFoundError reports that a rule or version does not exist.
type NotFoundError struct {
	RuleID  string
	Version int // zero when the lookup was by rule only
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("rule %s version %d not found", e.RuleID, e.Version)
	}
	return fmt.Sprintf("rule %s not found", e.RuleID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// EvaluationError reports that a single rule's condition tree failed to
// evaluate at runtime. The engine logs it, skips the rule, and continues.
type EvaluationError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rule %s: evaluating field %q: %v", e.RuleID, e.Field, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ConflictAnalysisError reports a failure scoring or generating strategies
// for one conflict. The batch continues; the failure is isolated to the item.
type ConflictAnalysisError struct {
	ConflictID string
	Err        error
}

func (e *ConflictAnalysisError) Error() string {
	return fmt.Sprintf("conflict %s: analysis failed: %v", e.ConflictID, e.Err)
}

func (e *ConflictAnalysisError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. No partial state change occurred.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
