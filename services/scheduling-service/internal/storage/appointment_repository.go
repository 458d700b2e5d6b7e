package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/petlor/petlor-clinic/libs/db"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
)

type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// GuestInfo carries the inline contact fields of a booking made without a
// customer account. The customer is found by phone or created, and the pet is
// created under them.
type GuestInfo struct {
	Name    string
	Phone   string
	Email   string
	PetName string
	Species string
}

const appointmentColumns = `
	id,
	COALESCE(pet_id::text, ''), pet_name, species,
	service_id, service_name, service_role,
	COALESCE(customer_id::text, ''), customer_name, customer_phone, customer_email,
	COALESCE(assigned_staff_id::text, ''),
	scheduled_start, scheduled_end,
	customer_note, kind, status,
	COALESCE(cancel_reason, ''), cancelled_at, completed_at, created_at`

func (r *AppointmentRepository) Insert(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments
			(id, pet_id, pet_name, species, service_id, service_name, service_role,
			 customer_id, customer_name, customer_phone, customer_email,
			 assigned_staff_id, scheduled_start, scheduled_end, customer_note, kind, status)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7,
			NULLIF($8, '')::uuid, $9, $10, $11,
			NULLIF($12, '')::uuid, $13, $14, $15, $16, $17)
	`, appt.ID, appt.PetID, appt.PetName, appt.Species,
		appt.ServiceID, appt.ServiceName, appt.ServiceRole,
		appt.CustomerID, appt.CustomerName, appt.CustomerPhone, appt.CustomerEmail,
		appt.AssignedStaffID, appt.ScheduledStart, appt.ScheduledEnd,
		appt.CustomerNote, appt.Kind, appt.Status)
	return err
}

func (r *AppointmentRepository) GetByID(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *AppointmentRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

// Confirm applies PENDING -> CONFIRMED and records the accepting staff
// member. The expected-status condition keeps the update a no-op when the row
// changed under the caller; zero rows affected is reported as false.
func (r *AppointmentRepository) Confirm(ctx context.Context, tx pgx.Tx, id, staffID string, expected model.Status) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3, assigned_staff_id = $4::uuid
		WHERE id = $1 AND status = $2
	`, id, expected, model.StatusConfirmed, staffID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) Complete(ctx context.Context, tx pgx.Tx, id string, expected model.Status) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3, completed_at = now()
		WHERE id = $1 AND status = $2
	`, id, expected, model.StatusCompleted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) Cancel(ctx context.Context, tx pgx.Tx, id, reason string, expected model.Status) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3, cancelled_at = now(), cancel_reason = $4
		WHERE id = $1 AND status = $2
	`, id, expected, model.StatusCancelled, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Override is the back-office correction path: direct status and staff
// reassignment. Terminal-state guards live in the scheduler, not here.
func (r *AppointmentRepository) Override(ctx context.Context, tx pgx.Tx, id string, status model.Status, staffID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, assigned_staff_id = NULLIF($3, '')::uuid
		WHERE id = $1
	`, id, status, staffID)
	return err
}

// CountStaffOverlap counts active appointments for a staff member that
// overlap [start, end). Rows without a scheduled end block one hour.
func (r *AppointmentRepository) CountStaffOverlap(ctx context.Context, tx pgx.Tx, staffID string, start, end time.Time, excludeID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE assigned_staff_id = $1::uuid
			AND status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS')
			AND scheduled_start < $3
			AND COALESCE(scheduled_end, scheduled_start + interval '1 hour') > $2
			AND id <> COALESCE(NULLIF($4, ''), '00000000-0000-0000-0000-000000000000')::uuid
	`, staffID, start, end, excludeID).Scan(&n)
	return n, err
}

// FindAvailableStaff returns the first active staff member of the role with
// no active appointment overlapping [start, end), or "" when everyone is
// booked.
func (r *AppointmentRepository) FindAvailableStaff(ctx context.Context, tx pgx.Tx, role string, start, end time.Time) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		SELECT s.id::text
		FROM staff s
		WHERE s.role = $1 AND s.active
			AND NOT EXISTS (
				SELECT 1 FROM appointments a
				WHERE a.assigned_staff_id = s.id
					AND a.status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS')
					AND a.scheduled_start < $3
					AND COALESCE(a.scheduled_end, a.scheduled_start + interval '1 hour') > $2
			)
		ORDER BY s.created_at
		LIMIT 1
	`, role, start, end).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ListQueue returns a staff role's appointment queue, soonest first.
func (r *AppointmentRepository) ListQueue(ctx context.Context, role string, statuses []model.Status, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := make([]string, 0, len(statuses))
	for _, s := range statuses {
		filter = append(filter, string(s))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE service_role = $1
			AND ($2::text[] = '{}' OR status = ANY($2))
		ORDER BY scheduled_start ASC
		LIMIT $3
	`, role, filter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// QueueStats is the dashboard summary for one staff role.
type QueueStats struct {
	Pending        int `json:"pending"`
	ConfirmedToday int `json:"confirmed_today"`
	Completed      int `json:"completed"`
	Cancelled      int `json:"cancelled"`
}

func (r *AppointmentRepository) QueueStats(ctx context.Context, role string) (QueueStats, error) {
	var s QueueStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'PENDING'),
			count(*) FILTER (WHERE status = 'CONFIRMED' AND scheduled_start::date = now()::date),
			count(*) FILTER (WHERE status = 'COMPLETED'),
			count(*) FILTER (WHERE status = 'CANCELLED')
		FROM appointments
		WHERE service_role = $1
	`, role).Scan(&s.Pending, &s.ConfirmedToday, &s.Completed, &s.Cancelled)
	return s, err
}

// ResolveGuest finds the customer by phone or creates them, then creates the
// pet under that customer. Mirrors the walk-in flow where the receptionist
// has only a name and phone number.
func (r *AppointmentRepository) ResolveGuest(ctx context.Context, tx pgx.Tx, g GuestInfo) (customerID, petID string, err error) {
	err = tx.QueryRow(ctx, `SELECT id::text FROM customers WHERE phone = $1`, g.Phone).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO customers (name, phone, email)
			VALUES ($1, $2, $3)
			RETURNING id::text
		`, g.Name, g.Phone, g.Email).Scan(&customerID)
	}
	if err != nil {
		return "", "", err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO pets (name, species, owner_id)
		VALUES ($1, $2, $3::uuid)
		RETURNING id::text
	`, g.PetName, g.Species, customerID).Scan(&petID)
	if err != nil {
		return "", "", err
	}
	return customerID, petID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var appt model.Appointment
	var scheduledEnd, cancelledAt, completedAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.PetID, &appt.PetName, &appt.Species,
		&appt.ServiceID, &appt.ServiceName, &appt.ServiceRole,
		&appt.CustomerID, &appt.CustomerName, &appt.CustomerPhone, &appt.CustomerEmail,
		&appt.AssignedStaffID,
		&appt.ScheduledStart, &scheduledEnd,
		&appt.CustomerNote, &appt.Kind, &appt.Status,
		&appt.CancelReason, &cancelledAt, &completedAt, &appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.ScheduledEnd = scheduledEnd
	appt.CancelledAt = cancelledAt
	appt.CompletedAt = completedAt
	return appt, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsConflict reports unique or exclusion constraint violations, raised when
// two bookings race for the same staff slot.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23P01")
}
