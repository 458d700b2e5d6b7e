package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/outbox"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/policy"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/storage"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/timeline"
)

// fakeTx satisfies pgx.Tx through embedding; only Commit and Rollback are
// ever called by the facade.
type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type stubStore struct {
	appts          map[string]model.Appointment
	overlapCount   int
	availableStaff string
	guestCustID    string
	guestPetID     string
	lastTx         *fakeTx
}

func newStubStore() *stubStore {
	return &stubStore{
		appts:       make(map[string]model.Appointment),
		guestCustID: "cust-1",
		guestPetID:  "pet-1",
	}
}

func (s *stubStore) Begin(context.Context) (pgx.Tx, error) {
	s.lastTx = &fakeTx{}
	return s.lastTx, nil
}

func (s *stubStore) Insert(_ context.Context, _ pgx.Tx, appt *model.Appointment) error {
	s.appts[appt.ID] = *appt
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id string) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, pgx.ErrNoRows
	}
	return appt, nil
}

func (s *stubStore) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (model.Appointment, error) {
	return s.GetByID(ctx, id)
}

func (s *stubStore) Confirm(_ context.Context, _ pgx.Tx, id, staffID string, expected model.Status) (bool, error) {
	appt, ok := s.appts[id]
	if !ok || appt.Status != expected {
		return false, nil
	}
	appt.Status = model.StatusConfirmed
	appt.AssignedStaffID = staffID
	s.appts[id] = appt
	return true, nil
}

func (s *stubStore) Complete(_ context.Context, _ pgx.Tx, id string, expected model.Status) (bool, error) {
	appt, ok := s.appts[id]
	if !ok || appt.Status != expected {
		return false, nil
	}
	appt.Status = model.StatusCompleted
	s.appts[id] = appt
	return true, nil
}

func (s *stubStore) Cancel(_ context.Context, _ pgx.Tx, id, reason string, expected model.Status) (bool, error) {
	appt, ok := s.appts[id]
	if !ok || appt.Status != expected {
		return false, nil
	}
	appt.Status = model.StatusCancelled
	appt.CancelReason = reason
	s.appts[id] = appt
	return true, nil
}

func (s *stubStore) Override(_ context.Context, _ pgx.Tx, id string, status model.Status, staffID string) error {
	appt := s.appts[id]
	appt.Status = status
	appt.AssignedStaffID = staffID
	s.appts[id] = appt
	return nil
}

func (s *stubStore) CountStaffOverlap(context.Context, pgx.Tx, string, time.Time, time.Time, string) (int, error) {
	return s.overlapCount, nil
}

func (s *stubStore) FindAvailableStaff(context.Context, pgx.Tx, string, time.Time, time.Time) (string, error) {
	return s.availableStaff, nil
}

func (s *stubStore) ListQueue(_ context.Context, role string, statuses []model.Status, _ int) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.ServiceRole != role {
			continue
		}
		if len(statuses) > 0 && appt.Status != statuses[0] {
			continue
		}
		out = append(out, appt)
	}
	return out, nil
}

func (s *stubStore) QueueStats(context.Context, string) (storage.QueueStats, error) {
	return storage.QueueStats{}, nil
}

func (s *stubStore) ResolveGuest(context.Context, pgx.Tx, storage.GuestInfo) (string, string, error) {
	return s.guestCustID, s.guestPetID, nil
}

type stubMedical struct {
	record       storage.PatientRecord
	recordErr    error
	vaccinations []storage.VaccinationInsert
}

func (m *stubMedical) GetPatientRecord(context.Context, string) (storage.PatientRecord, error) {
	if m.recordErr != nil {
		return storage.PatientRecord{}, m.recordErr
	}
	return m.record, nil
}

func (m *stubMedical) InsertVaccination(_ context.Context, _ pgx.Tx, v storage.VaccinationInsert) error {
	m.vaccinations = append(m.vaccinations, v)
	return nil
}

type stubEvents struct {
	events []outbox.Event
}

func (e *stubEvents) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	e.events = append(e.events, evt)
	return nil
}

var testCatalog = policy.NewStaticProvider(map[string]policy.Category{
	"svc-exam": {Code: "general_exam", RequiredRole: policy.RoleDoctor, RequiresCompletionDetails: true},
	"svc-bath": {Code: "bath_groom", RequiredRole: policy.RoleSpa},
})

func newTestService(store *stubStore, medical *stubMedical, events *stubEvents) *Service {
	svc := New(store, medical, events, testCatalog, nil, slog.Default(), Config{})
	svc.now = func() time.Time {
		return time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)
	}
	return svc
}

func guestBooking(serviceID string) BookingRequest {
	return BookingRequest{
		Date:      "2025-06-15",
		Slot:      "10:00",
		ServiceID: serviceID,
		Guest: &storage.GuestInfo{
			Name:    "Lan Tran",
			Phone:   "0901234567",
			PetName: "Mochi",
			Species: "cat",
		},
	}
}

func TestRequestBookingValidation(t *testing.T) {
	svc := newTestService(newStubStore(), &stubMedical{}, &stubEvents{})
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*BookingRequest)
		wantErr error
	}{
		{"midday time is not a slot", func(r *BookingRequest) { r.Slot = "12:00" }, ErrSlotInvalid},
		{"past date", func(r *BookingRequest) { r.Date = "2025-06-09" }, ErrSlotInvalid},
		{"malformed date", func(r *BookingRequest) { r.Date = "15/06/2025" }, ErrValidation},
		{"unknown service", func(r *BookingRequest) { r.ServiceID = "svc-nope" }, ErrValidation},
		{"guest without phone", func(r *BookingRequest) { r.Guest.Phone = "" }, ErrValidation},
		{"no guest and no account", func(r *BookingRequest) { r.Guest = nil }, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := guestBooking("svc-exam")
			tc.mutate(&req)
			if _, err := svc.RequestBooking(ctx, req); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBookingLifecycle(t *testing.T) {
	store := newStubStore()
	events := &stubEvents{}
	svc := newTestService(store, &stubMedical{}, events)
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-exam"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("new booking status = %s, want PENDING", appt.Status)
	}
	if appt.CustomerID != "cust-1" || appt.PetID != "pet-1" {
		t.Fatalf("guest not resolved: customer=%q pet=%q", appt.CustomerID, appt.PetID)
	}
	if appt.ServiceRole != policy.RoleDoctor {
		t.Fatalf("service role = %q, want doctor", appt.ServiceRole)
	}
	if want := "2025-06-15T10:00:00Z"; appt.ScheduledStart.Format(time.RFC3339) != want {
		t.Fatalf("scheduled start = %s, want %s", appt.ScheduledStart.Format(time.RFC3339), want)
	}

	appt, err = svc.Confirm(ctx, appt.ID, "staff-7", "PENDING")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if appt.Status != model.StatusConfirmed || appt.AssignedStaffID != "staff-7" {
		t.Fatalf("after confirm: status=%s staff=%q", appt.Status, appt.AssignedStaffID)
	}

	appt, err = svc.Complete(ctx, appt.ID, model.CompletionDetails{}, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if appt.Status != model.StatusCompleted {
		t.Fatalf("after complete: status=%s", appt.Status)
	}

	// Terminal: nothing moves out of COMPLETED.
	var transErr *model.InvalidTransitionError
	if _, err := svc.Confirm(ctx, appt.ID, "staff-7", ""); !errors.As(err, &transErr) {
		t.Fatalf("confirm on COMPLETED: got %v, want InvalidTransitionError", err)
	}
	if _, err := svc.Cancel(ctx, appt.ID, "changed my mind", ""); !errors.As(err, &transErr) {
		t.Fatalf("cancel on COMPLETED: got %v, want InvalidTransitionError", err)
	}

	wantEvents := []string{
		outbox.EventAppointmentBooked,
		outbox.EventAppointmentConfirmed,
		outbox.EventAppointmentCompleted,
	}
	if len(events.events) != len(wantEvents) {
		t.Fatalf("got %d events, want %d", len(events.events), len(wantEvents))
	}
	for i, want := range wantEvents {
		if events.events[i].EventType != want {
			t.Fatalf("event[%d] = %s, want %s", i, events.events[i].EventType, want)
		}
	}
}

func TestWalkInBookingPreAssignsStaff(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})

	req := guestBooking("svc-bath")
	req.StaffID = "staff-3"
	appt, err := svc.RequestBooking(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if appt.Status != model.StatusConfirmed || appt.AssignedStaffID != "staff-3" {
		t.Fatalf("walk-in: status=%s staff=%q", appt.Status, appt.AssignedStaffID)
	}
}

func TestAutoAssignPicksFreeStaff(t *testing.T) {
	store := newStubStore()
	store.availableStaff = "staff-5"
	svc := newTestService(store, &stubMedical{}, &stubEvents{})

	req := guestBooking("svc-exam")
	req.AutoAssign = true
	appt, err := svc.RequestBooking(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if appt.Status != model.StatusConfirmed || appt.AssignedStaffID != "staff-5" {
		t.Fatalf("auto-assign: status=%s staff=%q", appt.Status, appt.AssignedStaffID)
	}
}

func TestAutoAssignNoStaffFree(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})

	req := guestBooking("svc-exam")
	req.AutoAssign = true
	if _, err := svc.RequestBooking(context.Background(), req); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict when nobody is free, got %v", err)
	}
	if len(store.appts) != 0 {
		t.Fatalf("no appointment should be stored, got %d", len(store.appts))
	}
}

func TestConfirmStaleViewIsConflict(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-exam"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if _, err := svc.Confirm(ctx, appt.ID, "staff-1", "PENDING"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	// Second screen still shows PENDING; its confirm must report a conflict,
	// not a transition violation.
	if _, err := svc.Confirm(ctx, appt.ID, "staff-2", "PENDING"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale confirm: got %v, want ErrConflict", err)
	}
}

func TestConfirmBusyStaff(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-exam"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}

	store.overlapCount = 1
	if _, err := svc.Confirm(ctx, appt.ID, "staff-1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("busy staff: got %v, want ErrConflict", err)
	}
	if store.appts[appt.ID].Status != model.StatusPending {
		t.Fatalf("status mutated on rejected confirm: %s", store.appts[appt.ID].Status)
	}

	// Oversubscribed mode skips the check entirely.
	svc.allowDoubleBooking = true
	if _, err := svc.Confirm(ctx, appt.ID, "staff-1", ""); err != nil {
		t.Fatalf("double-booking allowed: %v", err)
	}
}

func TestCompleteVaccination(t *testing.T) {
	store := newStubStore()
	medical := &stubMedical{}
	svc := newTestService(store, medical, &stubEvents{})
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-exam"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if _, err := svc.Confirm(ctx, appt.ID, "staff-9", ""); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Vaccination given without a vaccine name is rejected.
	details := model.CompletionDetails{VaccinationGiven: true}
	if _, err := svc.Complete(ctx, appt.ID, details, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing vaccine name: got %v, want ErrValidation", err)
	}

	due := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)
	details = model.CompletionDetails{
		VaccinationGiven: true,
		VaccineName:      "Rabies booster",
		NextDueDate:      &due,
		Note:             "no reaction",
	}
	if _, err := svc.Complete(ctx, appt.ID, details, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(medical.vaccinations) != 1 {
		t.Fatalf("got %d vaccination inserts, want 1", len(medical.vaccinations))
	}
	v := medical.vaccinations[0]
	if v.PetID != "pet-1" || v.VaccineName != "Rabies booster" || v.AdministeredBy != "staff-9" {
		t.Fatalf("vaccination insert = %+v", v)
	}
}

func TestCompleteGroomingRejectsVaccination(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-bath"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	if _, err := svc.Confirm(ctx, appt.ID, "staff-2", ""); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	details := model.CompletionDetails{VaccinationGiven: true, VaccineName: "Rabies"}
	if _, err := svc.Complete(ctx, appt.ID, details, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("vaccination on grooming: got %v, want ErrValidation", err)
	}
}

func TestAdminOverride(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubMedical{}, &stubEvents{})
	ctx := context.Background()

	appt, err := svc.RequestBooking(ctx, guestBooking("svc-exam"))
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}

	// The override may jump the table entirely.
	appt, err = svc.AdminOverride(ctx, appt.ID, model.StatusInProgress, "staff-4")
	if err != nil {
		t.Fatalf("AdminOverride: %v", err)
	}
	if appt.Status != model.StatusInProgress || appt.AssignedStaffID != "staff-4" {
		t.Fatalf("after override: status=%s staff=%q", appt.Status, appt.AssignedStaffID)
	}

	// But never into a terminal state.
	var transErr *model.InvalidTransitionError
	if _, err := svc.AdminOverride(ctx, appt.ID, model.StatusCancelled, ""); !errors.As(err, &transErr) {
		t.Fatalf("override to terminal: got %v, want InvalidTransitionError", err)
	}
}

func TestPatientContextViews(t *testing.T) {
	medical := &stubMedical{record: storage.PatientRecord{
		Pet: model.Pet{ID: "pet-1", Name: "Mochi"},
		Vaccinations: []timeline.VaccinationRecord{
			{Date: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), VaccineName: "Rabies"},
		},
		Exams: []timeline.ExamRecord{
			{Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), Diagnosis: "Mild ear infection"},
		},
		SpaServices: []timeline.SpaServiceRecord{
			{Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ServiceName: "Full groom"},
		},
		Alerts: []timeline.HealthAlert{
			{CreatedAt: time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC), Content: "Allergic to oatmeal shampoo"},
		},
	}}
	svc := newTestService(newStubStore(), medical, &stubEvents{})
	ctx := context.Background()

	doctor, err := svc.PatientContext(ctx, "pet-1", "doctor")
	if err != nil {
		t.Fatalf("doctor view: %v", err)
	}
	if len(doctor.Entries) != 2 {
		t.Fatalf("doctor view has %d entries, want 2", len(doctor.Entries))
	}
	if doctor.Entries[0].Type != timeline.TypeExam || doctor.Entries[1].Type != timeline.TypeVaccine {
		t.Fatalf("doctor view order: %s, %s", doctor.Entries[0].Type, doctor.Entries[1].Type)
	}

	spa, err := svc.PatientContext(ctx, "pet-1", "spa")
	if err != nil {
		t.Fatalf("spa view: %v", err)
	}
	if len(spa.Entries) != 2 {
		t.Fatalf("spa view has %d entries, want 2", len(spa.Entries))
	}
	if spa.Entries[0].Type != timeline.TypeAlert || spa.Entries[1].Type != timeline.TypeSpa {
		t.Fatalf("spa view order: %s, %s", spa.Entries[0].Type, spa.Entries[1].Type)
	}

	all, err := svc.PatientContext(ctx, "pet-1", "all")
	if err != nil {
		t.Fatalf("all view: %v", err)
	}
	if len(all.Entries) != 4 {
		t.Fatalf("all view has %d entries, want 4", len(all.Entries))
	}

	if _, err := svc.PatientContext(ctx, "pet-1", "janitor"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown view: got %v, want ErrValidation", err)
	}

	medical.recordErr = pgx.ErrNoRows
	if _, err := svc.PatientContext(ctx, "pet-404", "all"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing pet: got %v, want ErrNotFound", err)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(newStubStore(), &stubMedical{}, &stubEvents{})
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
