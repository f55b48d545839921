package obsperiod

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrInvalidRequest matches every malformed-input failure. Such failures
// happen before any query is issued.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// InvalidRequestError carries the offending fields.
type InvalidRequestError struct {
	Fields validation.Errors
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if len(e.Fields) == 0 {
		return ErrInvalidRequest.Error() + ": " + e.Reason
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k].Error())
	}
	return ErrInvalidRequest.Error() + ": " + strings.Join(parts, "; ")
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// invalid converts a validation result into an InvalidRequestError.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		return &InvalidRequestError{Fields: fields}
	}
	return &InvalidRequestError{Reason: err.Error()}
}

func invalidf(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// Evaluation stages reported by StageError.
const (
	StageResolveConcept      = "resolve-concept"
	StageSelectEncounters    = "select-encounters"
	StageAnchorDates         = "anchor-dates"
	StageResolveObservations = "resolve-observations"
)

// StageError reports a collaborator failure together with the stage and the
// request it happened in. The collaborator's error is kept unchanged.
type StageError struct {
	Stage   string
	Request string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Request, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsCollaboratorFailure reports whether err came from the query executor
// or the concept dictionary rather than from the request itself.
func IsCollaboratorFailure(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}
