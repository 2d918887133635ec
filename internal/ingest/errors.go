package ingest

import (
	"errors"
	"fmt"

	"github.com/sells-group/agstats-cli/internal/model"
)

// ReferenceNotFoundError indicates an unknown dimension or data-source code.
// It points at missing seed data, not a transient condition, so callers must
// never retry it automatically.
type ReferenceNotFoundError struct {
	Kind string // "data_source", "commodity", "location", "unit", "series", "ingest_run"
	Code string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Code)
}

// IsReferenceNotFound returns true if the error (or any error in its chain)
// is a ReferenceNotFoundError.
func IsReferenceNotFound(err error) bool {
	var rnf *ReferenceNotFoundError
	return errors.As(err, &rnf)
}

// UnitConversionError indicates the requested units do not share a base unit
// or one of them has no base-unit link at all.
type UnitConversionError struct {
	FromCode string
	ToCode   string
	Reason   string
}

func (e *UnitConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s to %s: %s", e.FromCode, e.ToCode, e.Reason)
}

// IsUnitConversion returns true if the error chain contains a UnitConversionError.
func IsUnitConversion(err error) bool {
	var uce *UnitConversionError
	return errors.As(err, &uce)
}

// RunClosedError is returned when CloseIngestRun is called on a run that has
// already reached a terminal status. Double-close is rejected rather than
// treated as a no-op so that a second writer claiming the same run surfaces
// loudly in the audit trail.
type RunClosedError struct {
	RunID  string
	Status model.RunStatus
}

func (e *RunClosedError) Error() string {
	return fmt.Sprintf("ingest run %s already closed with status %s", e.RunID, e.Status)
}

// IsRunClosed returns true if the error chain contains a RunClosedError.
func IsRunClosed(err error) bool {
	var rce *RunClosedError
	return errors.As(err, &rce)
}

// ConflictError marks a lost race on a unique key. The store resolves these
// internally by re-reading the winning row; it escapes only when the re-read
// itself fails.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent writer won unique key: %s", e.Key)
}
