package scheduler

import "errors"

// Sentinel errors returned by the scheduling facade. Handlers map these onto
// HTTP statuses; *model.InvalidTransitionError travels alongside them for
// rejected lifecycle changes.
var (
	// ErrSlotInvalid covers bookings outside the fixed slot set or on a past
	// date.
	ErrSlotInvalid = errors.New("requested slot is not bookable")

	// ErrValidation covers malformed or incomplete request payloads.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound means the referenced appointment or pet does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the record changed under the caller or the target
	// staff member is already booked for the window.
	ErrConflict = errors.New("conflicting update")

	// ErrUnavailable means a dependency (service catalog) could not answer.
	ErrUnavailable = errors.New("dependency unavailable")
)
