// Package errors provides the typed failure taxonomy returned by the engine.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unexpected failure.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation marks a malformed input such as a bad recurrence rule.
	CodeValidation Code = "VALIDATION"
	// CodeNotFound marks a referenced participant, occurrence or event that does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// State machine guards.
	CodeAlreadyCheckedIn    Code = "ALREADY_CHECKED_IN"
	CodeNoOpenAttendance    Code = "NO_OPEN_ATTENDANCE"
	CodeOccurrenceNotActive Code = "OCCURRENCE_NOT_ACTIVE"
	CodeGuardianRequired    Code = "GUARDIAN_REQUIRED"
	CodeCapacityReached     Code = "CAPACITY_REACHED"

	// Security-relevant rejections.
	CodeInvalidCode          Code = "INVALID_CODE"
	CodeUnauthorizedGuardian Code = "UNAUTHORIZED_GUARDIAN"
	CodeNotPermitted         Code = "NOT_PERMITTED"

	// CodeTransientStorage marks persistence timeouts or unavailability.
	CodeTransientStorage Code = "TRANSIENT_STORAGE"
)

// Retryable reports whether the caller may safely retry the same operation.
func (c Code) Retryable() bool {
	return c == CodeTransientStorage
}

// Audited reports whether a rejection with this code must be kept in the audit log.
func (c Code) Audited() bool {
	switch c {
	case CodeInvalidCode, CodeUnauthorizedGuardian, CodeNotPermitted:
		return true
	default:
		return false
	}
}
