// Package scheduler is the single entry point for everything that books,
// lists, or transitions appointments. Handlers never touch repositories
// directly; every mutation runs inside one transaction that also appends the
// matching outbox event.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/cache"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/calendar"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/outbox"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/policy"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/storage"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/timeline"
)

// Store is the appointment persistence surface the facade needs. Satisfied by
// *storage.AppointmentRepository; narrowed to an interface so transitions can
// be exercised against a stub.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error
	GetByID(ctx context.Context, id string) (model.Appointment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error)
	Confirm(ctx context.Context, tx pgx.Tx, id, staffID string, expected model.Status) (bool, error)
	Complete(ctx context.Context, tx pgx.Tx, id string, expected model.Status) (bool, error)
	Cancel(ctx context.Context, tx pgx.Tx, id, reason string, expected model.Status) (bool, error)
	Override(ctx context.Context, tx pgx.Tx, id string, status model.Status, staffID string) error
	CountStaffOverlap(ctx context.Context, tx pgx.Tx, staffID string, start, end time.Time, excludeID string) (int, error)
	FindAvailableStaff(ctx context.Context, tx pgx.Tx, role string, start, end time.Time) (string, error)
	ListQueue(ctx context.Context, role string, statuses []model.Status, limit int) ([]model.Appointment, error)
	QueueStats(ctx context.Context, role string) (storage.QueueStats, error)
	ResolveGuest(ctx context.Context, tx pgx.Tx, g storage.GuestInfo) (customerID, petID string, err error)
}

type MedicalStore interface {
	GetPatientRecord(ctx context.Context, petID string) (storage.PatientRecord, error)
	InsertVaccination(ctx context.Context, tx pgx.Tx, v storage.VaccinationInsert) error
}

type EventStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Service struct {
	store   Store
	medical MedicalStore
	events  EventStore
	policy  policy.Provider
	queues  *cache.QueueCache
	logger  *slog.Logger

	// allowDoubleBooking disables the staff overlap check. Off in
	// production; some clinics run spa queues oversubscribed on purpose.
	allowDoubleBooking bool

	now func() time.Time
}

type Config struct {
	AllowDoubleBooking bool
}

func New(store Store, medical MedicalStore, events EventStore, policyProvider policy.Provider, queues *cache.QueueCache, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:              store,
		medical:            medical,
		events:             events,
		policy:             policyProvider,
		queues:             queues,
		logger:             logger,
		allowDoubleBooking: cfg.AllowDoubleBooking,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// BookingRequest is a public or front-desk booking. Either CustomerID+PetID
// identify an existing account, or Guest carries the inline contact fields of
// a first-time visitor.
type BookingRequest struct {
	Date        string // calendar date, 2006-01-02
	Slot        string // member of the fixed slot set
	ServiceID   string
	ServiceName string
	Kind        string
	Note        string

	CustomerID string
	PetID      string
	Guest      *storage.GuestInfo

	// StaffID pre-assigns a staff member (front-desk walk-in path). The
	// booking is then created already CONFIRMED.
	StaffID string

	// AutoAssign asks for the first free staff member of the service's
	// required role instead of an explicit StaffID.
	AutoAssign bool
}

// RequestBooking validates the slot, resolves the patient, and creates the
// appointment. Public bookings start PENDING; bookings with a pre-assigned
// staff member start CONFIRMED and are overlap-checked.
func (s *Service) RequestBooking(ctx context.Context, req BookingRequest) (model.Appointment, error) {
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" {
		return model.Appointment{}, fmt.Errorf("%w: service_id required", ErrValidation)
	}
	if req.Guest == nil && (req.CustomerID == "" || req.PetID == "") {
		return model.Appointment{}, fmt.Errorf("%w: customer_id and pet_id required without guest info", ErrValidation)
	}
	if req.Guest != nil {
		if strings.TrimSpace(req.Guest.Phone) == "" || strings.TrimSpace(req.Guest.Name) == "" || strings.TrimSpace(req.Guest.PetName) == "" {
			return model.Appointment{}, fmt.Errorf("%w: guest bookings need name, phone and pet name", ErrValidation)
		}
	}

	date, err := time.ParseInLocation(calendar.DateLayout, req.Date, time.UTC)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: bad date %q", ErrValidation, req.Date)
	}
	if err := calendar.Validate(date, req.Slot, s.now()); err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %v", ErrSlotInvalid, err)
	}
	startStr, err := calendar.ComposeStart(date, req.Slot)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %v", ErrSlotInvalid, err)
	}
	start, err := calendar.ParseStart(startStr)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %v", ErrSlotInvalid, err)
	}

	category, err := s.serviceCategory(ctx, req.ServiceID)
	if err != nil {
		return model.Appointment{}, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt := model.Appointment{
		ID:             uuid.New().String(),
		PetID:          req.PetID,
		ServiceID:      req.ServiceID,
		ServiceName:    req.ServiceName,
		ServiceRole:    category.RequiredRole,
		CustomerID:     req.CustomerID,
		ScheduledStart: start,
		CustomerNote:   strings.TrimSpace(req.Note),
		Kind:           strings.TrimSpace(req.Kind),
		Status:         model.StatusPending,
	}
	if req.Guest != nil {
		customerID, petID, err := s.store.ResolveGuest(ctx, tx, *req.Guest)
		if err != nil {
			return model.Appointment{}, err
		}
		// Guest bookings keep the inline contact columns filled even after
		// the account row exists, so queue listings never join customers.
		appt.CustomerID = customerID
		appt.PetID = petID
		appt.PetName = req.Guest.PetName
		appt.Species = req.Guest.Species
		appt.CustomerName = req.Guest.Name
		appt.CustomerPhone = req.Guest.Phone
		appt.CustomerEmail = req.Guest.Email
	}

	switch {
	case strings.TrimSpace(req.StaffID) != "":
		staffID := strings.TrimSpace(req.StaffID)
		if err := s.checkStaffFree(ctx, tx, staffID, start, appt.ID); err != nil {
			return model.Appointment{}, err
		}
		appt.AssignedStaffID = staffID
		appt.Status = model.StatusConfirmed
	case req.AutoAssign:
		staffID, err := s.store.FindAvailableStaff(ctx, tx, category.RequiredRole, start, start.Add(time.Hour))
		if err != nil {
			return model.Appointment{}, err
		}
		if staffID == "" {
			return model.Appointment{}, fmt.Errorf("%w: no %s staff free at %s", ErrConflict, category.RequiredRole, req.Slot)
		}
		appt.AssignedStaffID = staffID
		appt.Status = model.StatusConfirmed
	}

	if err := s.store.Insert(ctx, tx, &appt); err != nil {
		if storage.IsConflict(err) {
			return model.Appointment{}, fmt.Errorf("%w: slot already taken", ErrConflict)
		}
		return model.Appointment{}, err
	}
	if err := s.appendEvent(ctx, tx, outbox.EventAppointmentBooked, &appt, nil); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.invalidateQueues(ctx, appt.ServiceRole)
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := s.store.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Appointment{}, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

// ListForStaff returns a role's work queue, optionally filtered to one
// status, soonest first.
func (s *Service) ListForStaff(ctx context.Context, role, status string, limit int) ([]model.Appointment, error) {
	if role != policy.RoleDoctor && role != policy.RoleSpa {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	var filter []model.Status
	if status != "" {
		st, ok := model.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
		filter = append(filter, st)
	}
	return s.store.ListQueue(ctx, role, filter, limit)
}

func (s *Service) Stats(ctx context.Context, role string) (storage.QueueStats, error) {
	if role != policy.RoleDoctor && role != policy.RoleSpa {
		return storage.QueueStats{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	return s.store.QueueStats(ctx, role)
}

// Confirm accepts a PENDING appointment into the given staff member's
// schedule. expectedStatus, when non-empty, is the caller's last-seen status;
// a mismatch means the queue view was stale and reports ErrConflict rather
// than a transition violation.
func (s *Service) Confirm(ctx context.Context, id, staffID, expectedStatus string) (model.Appointment, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return model.Appointment{}, fmt.Errorf("%w: staff_id required", ErrValidation)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := s.lockAppointment(ctx, tx, id, expectedStatus)
	if err != nil {
		return model.Appointment{}, err
	}
	prev := appt.Status
	if err := appt.Transition(model.StatusConfirmed); err != nil {
		return model.Appointment{}, err
	}
	if err := s.checkStaffFree(ctx, tx, staffID, appt.ScheduledStart, appt.ID); err != nil {
		return model.Appointment{}, err
	}

	ok, err := s.store.Confirm(ctx, tx, appt.ID, staffID, prev)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: appointment changed concurrently", ErrConflict)
	}
	appt.AssignedStaffID = staffID

	if err := s.appendEvent(ctx, tx, outbox.EventAppointmentConfirmed, &appt, nil); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.invalidateQueues(ctx, appt.ServiceRole)
	return appt, nil
}

// Complete closes out a CONFIRMED appointment. Medical categories collect
// CompletionDetails; a vaccination given there is written into the pet's
// medical record inside the same transaction.
func (s *Service) Complete(ctx context.Context, id string, details model.CompletionDetails, expectedStatus string) (model.Appointment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := s.lockAppointment(ctx, tx, id, expectedStatus)
	if err != nil {
		return model.Appointment{}, err
	}

	category, err := s.serviceCategory(ctx, appt.ServiceID)
	if err != nil {
		return model.Appointment{}, err
	}
	if !category.RequiresCompletionDetails && details.VaccinationGiven {
		return model.Appointment{}, fmt.Errorf("%w: service cannot record a vaccination", ErrValidation)
	}
	if details.VaccinationGiven && strings.TrimSpace(details.VaccineName) == "" {
		return model.Appointment{}, fmt.Errorf("%w: vaccine_name required when vaccination given", ErrValidation)
	}

	prev := appt.Status
	if err := appt.Transition(model.StatusCompleted); err != nil {
		return model.Appointment{}, err
	}
	ok, err := s.store.Complete(ctx, tx, appt.ID, prev)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: appointment changed concurrently", ErrConflict)
	}

	if details.VaccinationGiven {
		if err := s.medical.InsertVaccination(ctx, tx, storage.VaccinationInsert{
			PetID:          appt.PetID,
			VaccineName:    details.VaccineName,
			GivenAt:        s.now(),
			NextDueDate:    details.NextDueDate,
			Note:           details.Note,
			AdministeredBy: appt.AssignedStaffID,
		}); err != nil {
			return model.Appointment{}, err
		}
	}

	extra := map[string]any{"vaccination_given": details.VaccinationGiven}
	if details.VaccinationGiven {
		extra["vaccine_name"] = details.VaccineName
	}
	if err := s.appendEvent(ctx, tx, outbox.EventAppointmentCompleted, &appt, extra); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.invalidateQueues(ctx, appt.ServiceRole)
	return appt, nil
}

func (s *Service) Cancel(ctx context.Context, id, reason, expectedStatus string) (model.Appointment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := s.lockAppointment(ctx, tx, id, expectedStatus)
	if err != nil {
		return model.Appointment{}, err
	}
	prev := appt.Status
	if err := appt.Transition(model.StatusCancelled); err != nil {
		return model.Appointment{}, err
	}
	ok, err := s.store.Cancel(ctx, tx, appt.ID, reason, prev)
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: appointment changed concurrently", ErrConflict)
	}
	appt.CancelReason = reason

	extra := map[string]any{"reason": reason}
	if err := s.appendEvent(ctx, tx, outbox.EventAppointmentCancelled, &appt, extra); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.invalidateQueues(ctx, appt.ServiceRole)
	return appt, nil
}

// AdminOverride is the back-office correction path: it bypasses the
// transition table but refuses to enter or leave a terminal state. No domain
// event is emitted; corrections are not part of the appointment's public
// history.
func (s *Service) AdminOverride(ctx context.Context, id string, target model.Status, staffID string) (model.Appointment, error) {
	if _, ok := model.ParseStatus(string(target)); !ok {
		return model.Appointment{}, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := s.lockAppointment(ctx, tx, id, "")
	if err != nil {
		return model.Appointment{}, err
	}
	if err := appt.OverrideStatus(target); err != nil {
		return model.Appointment{}, err
	}
	if staffID = strings.TrimSpace(staffID); staffID == "" {
		staffID = appt.AssignedStaffID
	}
	if err := s.store.Override(ctx, tx, appt.ID, target, staffID); err != nil {
		return model.Appointment{}, err
	}
	appt.AssignedStaffID = staffID

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.invalidateQueues(ctx, appt.ServiceRole)
	return appt, nil
}

// PatientTimeline is a pet's profile plus the merged care-history feed for
// one view.
type PatientTimeline struct {
	Pet     model.Pet
	Entries []timeline.Entry
}

// PatientContext builds the pet's timeline for the requested view: "doctor"
// merges vaccinations and exams, "spa" merges spa services and health alerts,
// "all" merges everything.
func (s *Service) PatientContext(ctx context.Context, petID, view string) (PatientTimeline, error) {
	rec, err := s.medical.GetPatientRecord(ctx, petID)
	if err != nil {
		if storage.IsNotFound(err) {
			return PatientTimeline{}, fmt.Errorf("%w: pet %s", ErrNotFound, petID)
		}
		return PatientTimeline{}, err
	}

	var entries []timeline.Entry
	switch view {
	case "doctor":
		entries = timeline.Merge(timeline.FromVaccinations(rec.Vaccinations), timeline.FromExams(rec.Exams))
	case "spa":
		entries = timeline.Merge(timeline.FromSpaServices(rec.SpaServices), timeline.FromAlerts(rec.Alerts))
	case "", "all":
		entries = timeline.Merge(
			timeline.FromVaccinations(rec.Vaccinations),
			timeline.FromExams(rec.Exams),
			timeline.FromSpaServices(rec.SpaServices),
			timeline.FromAlerts(rec.Alerts),
		)
	default:
		return PatientTimeline{}, fmt.Errorf("%w: unknown view %q", ErrValidation, view)
	}
	return PatientTimeline{Pet: rec.Pet, Entries: entries}, nil
}

// lockAppointment loads the row FOR UPDATE and applies the caller's
// optimistic expected-status check.
func (s *Service) lockAppointment(ctx context.Context, tx pgx.Tx, id, expectedStatus string) (model.Appointment, error) {
	appt, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Appointment{}, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
		}
		return model.Appointment{}, err
	}
	if expectedStatus != "" {
		expected, ok := model.ParseStatus(expectedStatus)
		if !ok {
			return model.Appointment{}, fmt.Errorf("%w: unknown status %q", ErrValidation, expectedStatus)
		}
		if expected != appt.Status {
			return model.Appointment{}, fmt.Errorf("%w: appointment is %s, caller expected %s", ErrConflict, appt.Status, expected)
		}
	}
	return appt, nil
}

func (s *Service) checkStaffFree(ctx context.Context, tx pgx.Tx, staffID string, start time.Time, excludeID string) error {
	if s.allowDoubleBooking {
		return nil
	}
	n, err := s.store.CountStaffOverlap(ctx, tx, staffID, start, start.Add(time.Hour), excludeID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: staff member already booked at %s", ErrConflict, start.Format(calendar.StartLayout))
	}
	return nil
}

func (s *Service) serviceCategory(ctx context.Context, serviceID string) (policy.Category, error) {
	category, err := s.policy.ServiceCategory(ctx, serviceID)
	if err != nil {
		if errors.Is(err, policy.ErrUnknownService) {
			return policy.Category{}, fmt.Errorf("%w: unknown service %q", ErrValidation, serviceID)
		}
		return policy.Category{}, fmt.Errorf("%w: service catalog: %v", ErrUnavailable, err)
	}
	return category, nil
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, eventType string, appt *model.Appointment, extra map[string]any) error {
	body := map[string]any{
		"appointment_id":  appt.ID,
		"pet_id":          appt.PetID,
		"pet_name":        appt.PetName,
		"service_id":      appt.ServiceID,
		"service_name":    appt.ServiceName,
		"service_role":    appt.ServiceRole,
		"customer_name":   appt.CustomerName,
		"customer_email":  appt.CustomerEmail,
		"customer_phone":  appt.CustomerPhone,
		"scheduled_start": appt.ScheduledStart.UTC().Format(time.RFC3339),
		"status":          appt.Status,
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.events.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}

func (s *Service) invalidateQueues(ctx context.Context, role string) {
	if s.queues == nil || role == "" {
		return
	}
	s.queues.Invalidate(ctx, role)
}
