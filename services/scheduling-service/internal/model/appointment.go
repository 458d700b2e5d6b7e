package model

import "time"

type Appointment struct {
	ID              string
	PetID           string
	PetName         string
	Species         string
	ServiceID       string
	ServiceName     string
	ServiceRole     string // staff role that serves this appointment's category
	CustomerID      string // empty for guest bookings
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	AssignedStaffID string
	ScheduledStart  time.Time
	ScheduledEnd    *time.Time
	CustomerNote    string
	Kind            string // free-form tag (routine / urgent / follow-up), UI grouping only
	Status          Status
	CancelReason    string
	CancelledAt     *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// IsGuest reports whether the booking was made without a customer account.
// Guest bookings carry inline contact fields instead of a customer reference.
func (a *Appointment) IsGuest() bool {
	return a.CustomerID == ""
}

// CompletionDetails is collected at the CONFIRMED -> COMPLETED transition.
// Medical services require it; grooming completion defaults to a zero value.
type CompletionDetails struct {
	VaccinationGiven bool
	VaccineName      string
	NextDueDate      *time.Time
	Note             string
}

// Pet is an external entity referenced by appointments, never owned here.
type Pet struct {
	ID         string
	Name       string
	Species    string
	Breed      string
	BirthDate  *time.Time
	HealthNote string
	OwnerID    string
}
