package handlers

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petlor/petlor-clinic/libs/auth"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/cache"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/scheduler"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/storage"
)

type stubScheduler struct {
	appt  model.Appointment
	queue []model.Appointment
	err   error

	gotBooking  scheduler.BookingRequest
	gotID       string
	gotStaffID  string
	gotExpected string
	gotDetails  model.CompletionDetails
	gotView     string
	listCalls   int
	timeline    scheduler.PatientTimeline
}

func (s *stubScheduler) RequestBooking(_ context.Context, req scheduler.BookingRequest) (model.Appointment, error) {
	s.gotBooking = req
	return s.appt, s.err
}

func (s *stubScheduler) Get(_ context.Context, id string) (model.Appointment, error) {
	s.gotID = id
	return s.appt, s.err
}

func (s *stubScheduler) ListForStaff(_ context.Context, _, _ string, limit int) ([]model.Appointment, error) {
	s.listCalls++
	if s.err != nil {
		return nil, s.err
	}
	if s.queue != nil {
		if limit > len(s.queue) {
			limit = len(s.queue)
		}
		return s.queue[:limit], nil
	}
	return []model.Appointment{s.appt}, nil
}

func (s *stubScheduler) Stats(context.Context, string) (storage.QueueStats, error) {
	return storage.QueueStats{Pending: 2}, s.err
}

func (s *stubScheduler) Confirm(_ context.Context, _ string, staffID, expected string) (model.Appointment, error) {
	s.gotStaffID = staffID
	s.gotExpected = expected
	return s.appt, s.err
}

func (s *stubScheduler) Complete(_ context.Context, _ string, details model.CompletionDetails, expected string) (model.Appointment, error) {
	s.gotDetails = details
	s.gotExpected = expected
	return s.appt, s.err
}

func (s *stubScheduler) Cancel(_ context.Context, _ string, _, expected string) (model.Appointment, error) {
	s.gotExpected = expected
	return s.appt, s.err
}

func (s *stubScheduler) AdminOverride(_ context.Context, _ string, _ model.Status, staffID string) (model.Appointment, error) {
	s.gotStaffID = staffID
	return s.appt, s.err
}

func (s *stubScheduler) PatientContext(_ context.Context, _ string, view string) (scheduler.PatientTimeline, error) {
	s.gotView = view
	return s.timeline, s.err
}

func testAppointment() model.Appointment {
	return model.Appointment{
		ID:             "appt-1",
		PetName:        "Mochi",
		ServiceID:      "svc-exam",
		ServiceRole:    "doctor",
		ScheduledStart: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
		Status:         model.StatusPending,
	}
}

func newTestHandler(stub *stubScheduler) *SchedulingHandler {
	return NewSchedulingHandler(stub, nil, slog.Default())
}

func TestBook(t *testing.T) {
	stub := &stubScheduler{appt: testAppointment()}
	h := newTestHandler(stub)

	body := `{
		"date": "2025-06-15", "slot": "10:00", "service_id": "svc-exam",
		"guest_name": "Lan Tran", "guest_phone": "0901234567",
		"pet_name": "Mochi", "species": "cat",
		"staff_id": "staff-9"
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Book(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if stub.gotBooking.Guest == nil || stub.gotBooking.Guest.Phone != "0901234567" {
		t.Fatalf("guest not forwarded: %+v", stub.gotBooking.Guest)
	}
	// Anonymous callers cannot pre-assign staff.
	if stub.gotBooking.StaffID != "" {
		t.Fatalf("public booking forwarded staff_id %q", stub.gotBooking.StaffID)
	}

	var resp appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.AppointmentID != "appt-1" || resp.ScheduledStart != "2025-06-15T10:00:00" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestBookFrontDeskPreAssign(t *testing.T) {
	stub := &stubScheduler{appt: testAppointment()}
	h := newTestHandler(stub)

	body := `{"date": "2025-06-15", "slot": "10:00", "service_id": "svc-bath",
		"guest_name": "Lan Tran", "guest_phone": "0901234567", "pet_name": "Mochi",
		"staff_id": "staff-9"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
	req.Header.Set(headerUserID, "reception-1")
	rec := httptest.NewRecorder()
	h.Book(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if stub.gotBooking.StaffID != "staff-9" {
		t.Fatalf("staff_id = %q, want staff-9", stub.gotBooking.StaffID)
	}
}

func TestBookBadJSON(t *testing.T) {
	h := newTestHandler(&stubScheduler{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.Book(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"slot invalid", scheduler.ErrSlotInvalid, http.StatusUnprocessableEntity, "slot_invalid"},
		{"validation", scheduler.ErrValidation, http.StatusUnprocessableEntity, "validation"},
		{"transition", &model.InvalidTransitionError{From: model.StatusCompleted, To: model.StatusConfirmed}, http.StatusConflict, "invalid_transition"},
		{"conflict", scheduler.ErrConflict, http.StatusConflict, "conflict"},
		{"not found", scheduler.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unavailable", scheduler.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&stubScheduler{err: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/confirm",
				strings.NewReader(`{"appointment_id": "appt-1"}`))
			rec := httptest.NewRecorder()
			h.Confirm(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("bad error body: %v", err)
			}
			if body.Error.Code != tc.wantCode {
				t.Fatalf("error code = %q, want %q", body.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestConfirmUsesCallerIdentity(t *testing.T) {
	stub := &stubScheduler{appt: testAppointment()}
	h := newTestHandler(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/confirm",
		strings.NewReader(`{"appointment_id": "appt-1", "expected_status": "PENDING"}`))
	req.Header.Set(headerUserID, "staff-7")
	rec := httptest.NewRecorder()
	h.Confirm(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotStaffID != "staff-7" || stub.gotExpected != "PENDING" {
		t.Fatalf("staff=%q expected=%q", stub.gotStaffID, stub.gotExpected)
	}
}

func TestCompleteParsesDetails(t *testing.T) {
	stub := &stubScheduler{appt: testAppointment()}
	h := newTestHandler(stub)

	body := `{"appointment_id": "appt-1", "vaccination_given": true,
		"vaccine_name": "Rabies", "next_due_date": "2026-06-15", "note": "ok"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/complete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Complete(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	d := stub.gotDetails
	if !d.VaccinationGiven || d.VaccineName != "Rabies" || d.NextDueDate == nil {
		t.Fatalf("details = %+v", d)
	}
	if got := d.NextDueDate.Format("2006-01-02"); got != "2026-06-15" {
		t.Fatalf("next due = %s", got)
	}
}

func TestDetail(t *testing.T) {
	stub := &stubScheduler{appt: testAppointment()}
	h := newTestHandler(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/detail?appointment_id=appt-1", nil)
	rec := httptest.NewRecorder()
	h.Detail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotID != "appt-1" {
		t.Fatalf("id = %q, want appt-1", stub.gotID)
	}
	var resp appointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.AppointmentID != "appt-1" || resp.Status != "PENDING" {
		t.Fatalf("response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.Detail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments/detail", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing id: status = %d, want 422", rec.Code)
	}
}

func TestListCacheSkipsCustomLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	queue := make([]model.Appointment, 0, 10)
	for i := 0; i < 10; i++ {
		appt := testAppointment()
		appt.ID = fmt.Sprintf("appt-%d", i)
		queue = append(queue, appt)
	}
	stub := &stubScheduler{queue: queue}
	h := NewSchedulingHandler(stub, cache.NewQueueCache(rdb, slog.Default(), time.Minute), slog.Default())

	list := func(target string) []appointmentResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set(headerRole, "doctor")
		rec := httptest.NewRecorder()
		h.List(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var items []appointmentResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		return items
	}

	// A short custom page is served but never cached.
	if got := list("/api/v1/appointments?limit=2"); len(got) != 2 {
		t.Fatalf("limit=2 returned %d items", len(got))
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("custom limit was cached: %v", keys)
	}

	// A default-page request fills the cache with the full page.
	if got := list("/api/v1/appointments"); len(got) != 10 {
		t.Fatalf("default limit returned %d items", len(got))
	}
	calls := stub.listCalls
	if got := list("/api/v1/appointments"); len(got) != 10 {
		t.Fatalf("cached default returned %d items", len(got))
	}
	if stub.listCalls != calls {
		t.Fatalf("cached request hit the store")
	}
}

func TestMedicalRecordView(t *testing.T) {
	stub := &stubScheduler{timeline: scheduler.PatientTimeline{Pet: model.Pet{ID: "pet-1", Name: "Mochi"}}}
	h := newTestHandler(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pets/medical-record?pet_id=pet-1&view=doctor", nil)
	rec := httptest.NewRecorder()
	h.MedicalRecord(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotView != "doctor" {
		t.Fatalf("view = %q", stub.gotView)
	}

	rec = httptest.NewRecorder()
	h.MedicalRecord(rec, httptest.NewRequest(http.MethodGet, "/api/v1/pets/medical-record", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing pet_id: status = %d, want 422", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	secret := "test-secret"
	var seenID, seenRole string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = StaffIDFromRequest(r)
		seenRole = RoleFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
	protected := RequireAuth(inner, secret, nil)

	// No token.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	token, err := auth.SignHS256(auth.Claims{
		Sub:  "staff-7",
		Role: "doctor",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}, secret)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	// Forged identity headers are replaced with the token's claims.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerUserID, "staff-evil")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}
	if seenID != "staff-7" || seenRole != "doctor" {
		t.Fatalf("identity = %q/%q", seenID, seenRole)
	}

	// Wrong secret.
	bad, _ := auth.SignHS256(auth.Claims{Sub: "x", Exp: time.Now().Add(time.Hour).Unix()}, "other")
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwksBody, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksBody)
	}))
	defer srv.Close()

	sign := func(kid string) string {
		t.Helper()
		header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": kid})
		payload, _ := json.Marshal(auth.Claims{Sub: "staff-7", Role: "doctor", Exp: time.Now().Add(time.Hour).Unix()})
		unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
		digest := sha256.Sum256([]byte(unsigned))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return unsigned + "." + base64.RawURLEncoding.EncodeToString(sig)
	}

	var seenID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = StaffIDFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
	protected := RequireAuth(inner, "unused-secret", auth.NewJWKSClient(srv.URL, time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign("kid-1"))
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rs256 token: status = %d, want 200", rec.Code)
	}
	if seenID != "staff-7" {
		t.Fatalf("identity = %q, want staff-7", seenID)
	}

	// Token signed with a key id the JWKS endpoint does not serve.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign("kid-404"))
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown kid: status = %d, want 401", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	gated := RequireRole(inner, "manager")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRole, "doctor")
	rec := httptest.NewRecorder()
	gated.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("doctor on manager route: status = %d, want 403", rec.Code)
	}

	req.Header.Set(headerRole, "manager")
	rec = httptest.NewRecorder()
	gated.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager: status = %d, want 200", rec.Code)
	}
}

func TestCalendarGrid(t *testing.T) {
	h := newTestHandler(&stubScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/calendar?year=2025&month=6", nil)
	rec := httptest.NewRecorder()
	h.Calendar(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Days          int      `json:"days"`
		LeadingBlanks int      `json:"leading_blanks"`
		Slots         []string `json:"slots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	// June 2025 starts on a Sunday: full leading week under Monday-first.
	if resp.Days != 30 || resp.LeadingBlanks != 6 {
		t.Fatalf("grid = %d days, %d blanks", resp.Days, resp.LeadingBlanks)
	}
	if len(resp.Slots) != 8 || resp.Slots[0] != "09:00" || resp.Slots[3] != "13:30" {
		t.Fatalf("slots = %v", resp.Slots)
	}

	rec = httptest.NewRecorder()
	h.Calendar(rec, httptest.NewRequest(http.MethodGet, "/api/v1/public/calendar?month=13", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("month=13: status = %d, want 422", rec.Code)
	}
}
