package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/cache"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/calendar"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/scheduler"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/storage"
)

// Scheduler is the facade surface the HTTP layer consumes.
type Scheduler interface {
	RequestBooking(ctx context.Context, req scheduler.BookingRequest) (model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	ListForStaff(ctx context.Context, role, status string, limit int) ([]model.Appointment, error)
	Stats(ctx context.Context, role string) (storage.QueueStats, error)
	Confirm(ctx context.Context, id, staffID, expectedStatus string) (model.Appointment, error)
	Complete(ctx context.Context, id string, details model.CompletionDetails, expectedStatus string) (model.Appointment, error)
	Cancel(ctx context.Context, id, reason, expectedStatus string) (model.Appointment, error)
	AdminOverride(ctx context.Context, id string, target model.Status, staffID string) (model.Appointment, error)
	PatientContext(ctx context.Context, petID, view string) (scheduler.PatientTimeline, error)
}

type SchedulingHandler struct {
	sched  Scheduler
	queues *cache.QueueCache
	logger *slog.Logger
}

func NewSchedulingHandler(sched Scheduler, queues *cache.QueueCache, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{sched: sched, queues: queues, logger: logger}
}

type bookRequest struct {
	Date        string `json:"date"`
	Slot        string `json:"slot"`
	ServiceID   string `json:"service_id"`
	ServiceName string `json:"service_name"`
	Kind        string `json:"kind"`
	Note        string `json:"note"`

	CustomerID string `json:"customer_id"`
	PetID      string `json:"pet_id"`

	GuestName  string `json:"guest_name"`
	GuestPhone string `json:"guest_phone"`
	GuestEmail string `json:"guest_email"`
	PetName    string `json:"pet_name"`
	Species    string `json:"species"`

	StaffID    string `json:"staff_id"`
	AutoAssign bool   `json:"auto_assign"`
}

type transitionRequest struct {
	AppointmentID  string `json:"appointment_id"`
	ExpectedStatus string `json:"expected_status"`
	Reason         string `json:"reason"`

	VaccinationGiven bool   `json:"vaccination_given"`
	VaccineName      string `json:"vaccine_name"`
	NextDueDate      string `json:"next_due_date"`
	Note             string `json:"note"`
}

type overrideRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	StaffID       string `json:"staff_id"`
}

type appointmentResponse struct {
	AppointmentID  string `json:"appointment_id"`
	PetID          string `json:"pet_id,omitempty"`
	PetName        string `json:"pet_name,omitempty"`
	Species        string `json:"species,omitempty"`
	ServiceID      string `json:"service_id"`
	ServiceName    string `json:"service_name,omitempty"`
	ServiceRole    string `json:"service_role"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerPhone  string `json:"customer_phone,omitempty"`
	StaffID        string `json:"staff_id,omitempty"`
	ScheduledStart string `json:"scheduled_start"`
	Kind           string `json:"kind,omitempty"`
	Note           string `json:"note,omitempty"`
	Status         string `json:"status"`
	CancelReason   string `json:"cancel_reason,omitempty"`
}

func toResponse(appt model.Appointment) appointmentResponse {
	return appointmentResponse{
		AppointmentID:  appt.ID,
		PetID:          appt.PetID,
		PetName:        appt.PetName,
		Species:        appt.Species,
		ServiceID:      appt.ServiceID,
		ServiceName:    appt.ServiceName,
		ServiceRole:    appt.ServiceRole,
		CustomerName:   appt.CustomerName,
		CustomerPhone:  appt.CustomerPhone,
		StaffID:        appt.AssignedStaffID,
		ScheduledStart: appt.ScheduledStart.Format(calendar.StartLayout),
		Kind:           appt.Kind,
		Note:           appt.CustomerNote,
		Status:         string(appt.Status),
		CancelReason:   appt.CancelReason,
	}
}

// Book is the public booking endpoint: guest or account, always slot-based.
func (h *SchedulingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	booking := scheduler.BookingRequest{
		Date:        strings.TrimSpace(req.Date),
		Slot:        strings.TrimSpace(req.Slot),
		ServiceID:   strings.TrimSpace(req.ServiceID),
		ServiceName: strings.TrimSpace(req.ServiceName),
		Kind:        req.Kind,
		Note:        req.Note,
		CustomerID:  strings.TrimSpace(req.CustomerID),
		PetID:       strings.TrimSpace(req.PetID),
	}
	if req.GuestPhone != "" || req.GuestName != "" {
		booking.Guest = &storage.GuestInfo{
			Name:    strings.TrimSpace(req.GuestName),
			Phone:   strings.TrimSpace(req.GuestPhone),
			Email:   strings.TrimSpace(req.GuestEmail),
			PetName: strings.TrimSpace(req.PetName),
			Species: strings.TrimSpace(req.Species),
		}
	}
	// Only the front desk may pre-assign staff; public callers never carry an
	// identity header.
	if StaffIDFromRequest(r) != "" {
		booking.StaffID = strings.TrimSpace(req.StaffID)
		booking.AutoAssign = req.AutoAssign
	}

	appt, err := h.sched.RequestBooking(r.Context(), booking)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

// Detail returns a single appointment by id.
func (h *SchedulingHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "appointment_id is required")
		return
	}
	appt, err := h.sched.Get(r.Context(), id)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

// Calendar returns the month grid plus the fixed slot set the booking UI
// renders.
func (h *SchedulingHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().UTC()
	year, month := now.Year(), now.Month()
	if raw := r.URL.Query().Get("year"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1970 || n > 9999 {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid year")
			return
		}
		year = n
	}
	if raw := r.URL.Query().Get("month"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 12 {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid month")
			return
		}
		month = time.Month(n)
	}

	grid := calendar.GridFor(year, month)
	writeJSON(w, http.StatusOK, map[string]any{
		"year":           grid.Year,
		"month":          int(grid.Month),
		"days":           grid.Days,
		"leading_blanks": grid.LeadingBlanks,
		"slots":          calendar.DefaultTimeSlots,
	})
}

const defaultListLimit = 50

// List serves a staff role's work queue. Responses are cached briefly per
// (role, status); the scheduler invalidates on every transition. Only
// default-page requests touch the cache, so a short custom page can never be
// served to a caller that asked for more.
func (h *SchedulingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleFromRequest(r)
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	cacheable := limit == defaultListLimit

	if cacheable {
		if body, ok := h.queues.Get(r.Context(), role, status); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
	}

	appts, err := h.sched.ListForStaff(r.Context(), role, status, limit)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	body, err := json.Marshal(items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to build response")
		return
	}
	if cacheable {
		h.queues.Set(r.Context(), role, status, body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *SchedulingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleFromRequest(r)
	}
	stats, err := h.sched.Stats(r.Context(), role)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Confirm accepts a pending appointment into the calling staff member's
// schedule.
func (h *SchedulingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	appt, err := h.sched.Confirm(r.Context(), req.AppointmentID, StaffIDFromRequest(r), req.ExpectedStatus)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	details := model.CompletionDetails{
		VaccinationGiven: req.VaccinationGiven,
		VaccineName:      strings.TrimSpace(req.VaccineName),
		Note:             req.Note,
	}
	if raw := strings.TrimSpace(req.NextDueDate); raw != "" {
		due, err := time.ParseInLocation(calendar.DateLayout, raw, time.UTC)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid next_due_date")
			return
		}
		details.NextDueDate = &due
	}
	appt, err := h.sched.Complete(r.Context(), req.AppointmentID, details, req.ExpectedStatus)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	appt, err := h.sched.Cancel(r.Context(), req.AppointmentID, strings.TrimSpace(req.Reason), req.ExpectedStatus)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

// Override is the manager-only correction endpoint.
func (h *SchedulingHandler) Override(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "appointment_id required")
		return
	}
	appt, err := h.sched.AdminOverride(r.Context(), req.AppointmentID, model.Status(strings.TrimSpace(req.Status)), req.StaffID)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

// MedicalRecord serves the pet profile plus the merged care timeline for the
// caller's view.
func (h *SchedulingHandler) MedicalRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	petID := strings.TrimSpace(r.URL.Query().Get("pet_id"))
	if petID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "pet_id required")
		return
	}
	view := strings.TrimSpace(r.URL.Query().Get("view"))

	tl, err := h.sched.PatientContext(r.Context(), petID, view)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}

	pet := map[string]any{
		"pet_id":      tl.Pet.ID,
		"name":        tl.Pet.Name,
		"species":     tl.Pet.Species,
		"breed":       tl.Pet.Breed,
		"health_note": tl.Pet.HealthNote,
	}
	if tl.Pet.BirthDate != nil {
		pet["birth_date"] = tl.Pet.BirthDate.Format(calendar.DateLayout)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pet":      pet,
		"timeline": tl.Entries,
	})
}

func (h *SchedulingHandler) decodeTransition(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return req, false
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "appointment_id required")
		return req, false
	}
	return req, true
}

// writeSchedulerError maps facade errors onto the HTTP contract: slot and
// payload problems are 422, rejected transitions and races are 409,
// missing records 404, catalog outages 503.
func (h *SchedulingHandler) writeSchedulerError(w http.ResponseWriter, err error) {
	var transErr *model.InvalidTransitionError
	switch {
	case errors.Is(err, scheduler.ErrSlotInvalid):
		writeError(w, http.StatusUnprocessableEntity, "slot_invalid", err.Error())
	case errors.Is(err, scheduler.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
	case errors.As(err, &transErr):
		writeError(w, http.StatusConflict, "invalid_transition", transErr.Error())
	case errors.Is(err, scheduler.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, scheduler.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("scheduling request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
