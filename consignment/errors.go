/*
errors.go - Centralized error types for the consignment engine

ERROR CATEGORIES:
  1. Validation errors - malformed invoice or item, reported with
     itemized reasons; the invoice is rejected as a whole
  2. Store errors - uniqueness violations mapped to sentinels
  3. Internal signals - ErrSequenceConflict never leaves the Ledger

NOT ERRORS:
  Duplicate submissions are a normal outcome (AppendResult.Duplicate).
  Divergences are data (DivergenceRecord), queried explicitly.
*/
package consignment

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("invalid invoice")

	// ErrUnrecognizedOperation is returned for a CFOP outside the table.
	ErrUnrecognizedOperation = errors.New("unrecognized fiscal operation")

	// ErrMalformedDocument is returned by document parsers before
	// normalization is attempted.
	ErrMalformedDocument = errors.New("malformed document")

	// ErrDocumentApplied is returned by a Store when (document key, item
	// index) is already present. The Ledger turns it into a Duplicate outcome.
	ErrDocumentApplied = errors.New("document already applied")

	// ErrSequenceConflict is returned by a Store when (balance key,
	// sequence) is already taken. The Ledger retries on it.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrLockNotObtained is returned by a KeyLocker that gave up.
	ErrLockNotObtained = errors.New("lock not obtained")

	// ErrNotPending is returned when appending an invoice that is not pending.
	ErrNotPending = errors.New("invoice is not pending")

	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// UnrecognizedOperationError names the unknown code.
type UnrecognizedOperationError struct {
	Code string
}

func (e *UnrecognizedOperationError) Error() string {
	return fmt.Sprintf("unrecognized fiscal operation code %q", e.Code)
}

func (e *UnrecognizedOperationError) Unwrap() error { return ErrUnrecognizedOperation }

// HeaderItem is the Failure.Item value for document-level failures.
const HeaderItem = -1

// Failure is one itemized validation reason.
type Failure struct {
	Item   int    `json:"item"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (f Failure) String() string {
	if f.Item == HeaderItem {
		return fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return fmt.Sprintf("item %d %s: %s", f.Item, f.Field, f.Reason)
}

// ValidationError lists every reason an invoice was rejected.
type ValidationError struct {
	DocumentKey string
	Failures    []Failure
}

func (e *ValidationError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.String()
	}
	key := e.DocumentKey
	if key == "" {
		key = "<no key>"
	}
	return fmt.Sprintf("invoice %s rejected: %s", key, strings.Join(reasons, "; "))
}

func (e *ValidationError) Unwrap() []error {
	errs := []error{ErrValidation}
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnrecognizedOperation) ||
		errors.Is(err, ErrMalformedDocument) ||
		errors.Is(err, ErrNotPending)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
