package engine

import (
	"errors"
	"fmt"
)

// Validation reason codes surfaced to the submitting client.
const (
	ReasonMissingClassID   = "missing_class_id"
	ReasonMissingStudentID = "missing_student_id"
	ReasonMissingDay       = "missing_day"
	ReasonInvalidDay       = "invalid_day"
	ReasonMissingStatus    = "missing_status"
	ReasonInvalidStatus    = "invalid_status"
	ReasonMissingDeviceID  = "missing_device_id"
)

// ValidationError rejects a malformed event before it reaches the merge.
// It is the only per-event error an authority client ever sees; stale or
// duplicate events are acknowledged as successful no-ops instead.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s (%s)", e.Message, e.Code)
}

func validationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// AsValidationError unwraps err into a ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
