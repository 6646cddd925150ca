package pipeline

import (
	"fmt"

	"objectflow/internal/validation"
)

// ValidationError carries the full aggregated rule outcome for a rejected
// write. Callers render Result to report every failure at once.
type ValidationError struct {
	Object string
	Result *validation.Result
}

func (e *ValidationError) Error() string {
	if e.Result != nil && len(e.Result.Errors) > 0 {
		first := e.Result.Errors[0]
		if len(e.Result.Errors) == 1 {
			return fmt.Sprintf("validation failed for %s: %s", e.Object, first.Message)
		}
		return fmt.Sprintf("validation failed for %s: %s (and %d more)",
			e.Object, first.Message, len(e.Result.Errors)-1)
	}
	return fmt.Sprintf("validation failed for %s", e.Object)
}

// PermissionError marks an operation rejected by an access hook. It is
// distinct from ValidationError so transports can map it to 403 rather
// than 422.
type PermissionError struct {
	Object string
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied on %s: %s", e.Object, e.Reason)
	}
	return fmt.Sprintf("permission denied on %s", e.Object)
}

// BulkError records one failed record in a bulk operation.
type BulkError struct {
	Index int    `json:"index"`
	ID    any    `json:"id,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error"`
}

// BulkResult reports per-record outcomes of a bulk operation. One bad
// record never aborts the rest.
type BulkResult struct {
	Records []map[string]any `json:"records,omitempty"`
	Errors  []BulkError      `json:"errors,omitempty"`
}

func (r *BulkResult) addError(index int, id any, err error) {
	r.Errors = append(r.Errors, BulkError{Index: index, ID: id, Err: err, Error: err.Error()})
}
