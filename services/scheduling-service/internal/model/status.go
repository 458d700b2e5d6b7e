package model

import "fmt"

// Status is the appointment lifecycle state. COMPLETED and CANCELLED are
// terminal: nothing transitions out of them, including the admin override.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the authoritative table of permitted status changes for the
// normal (non-admin) paths. IN_PROGRESS is only ever set through the admin
// override, so it has no outgoing entries here.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError identifies a rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid appointment transition %s -> %s", e.From, e.To)
}

// Transition moves the appointment to the target status, or returns
// *InvalidTransitionError leaving the record untouched.
func (a *Appointment) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return &InvalidTransitionError{From: a.Status, To: to}
	}
	a.Status = to
	return nil
}

// OverrideStatus applies a back-office correction. The table is bypassed but
// terminal states stay locked on both ends.
func (a *Appointment) OverrideStatus(to Status) error {
	if a.Status.IsTerminal() || to.IsTerminal() {
		return &InvalidTransitionError{From: a.Status, To: to}
	}
	a.Status = to
	return nil
}
