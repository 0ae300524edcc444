package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrInvalidArgument     = errors.New("archives: invalid argument")
	ErrInvalidDateFormat   = errors.New("archives: invalid date format")
	ErrInvalidPeriodFormat = errors.New("archives: invalid period format")
	ErrInvalidPeriodType   = errors.New("archives: invalid period type")
	ErrPermissionDenied    = errors.New("archives: permission denied")
	ErrConcurrencyConflict = errors.New("archives: archiving already in progress for this unit")
	ErrStorage             = errors.New("archives: storage error")
	ErrEngine              = errors.New("archives: aggregation engine error")
)

// Validation errors
var (
	ErrNoSites             = fmt.Errorf("%w: no site ids given", ErrInvalidArgument)
	ErrInvalidSiteID       = fmt.Errorf("%w: site ids must be positive", ErrInvalidArgument)
	ErrSegmentTooLong      = fmt.Errorf("%w: segment definition too long", ErrInvalidArgument)
	ErrRangeStartAfterEnd  = fmt.Errorf("%w: range start date is after end date", ErrInvalidArgument)
	ErrDuplicateTask       = errors.New("archives: scheduled task already registered")
	ErrInvalidTaskName     = errors.New("archives: invalid scheduled task name")
	ErrLockNotHeld         = errors.New("archives: lock not held")
	ErrEntryNotFound       = errors.New("archives: invalidation entry not found")
	ErrLegacyPartition     = errors.New("archives: legacy partition skipped")
	ErrPurgeNotAuthorized  = fmt.Errorf("%w: request not authorized to archive, purge skipped", ErrPermissionDenied)
	ErrLockTablesForbidden = fmt.Errorf("%w: table lock privilege missing", ErrPermissionDenied)
)

// DateError reports a single date string that could not be parsed.
type DateError struct {
	Input string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("invalid date %q: %v", e.Input, e.Err)
}

func (e *DateError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failed query against the store.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("archives: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("archives: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NewStorageError wraps err, returning nil when err is nil.
func NewStorageError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Table: table, Err: err}
}
