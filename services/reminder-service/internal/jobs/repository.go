package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/petlor/petlor-clinic/libs/otel"
)

// Job is one reminder to deliver for a confirmed appointment. The
// idempotency key makes re-consumed confirmation events harmless.
type Job struct {
	ID             int64
	IdempotencyKey string
	AppointmentID  string
	Recipient      string
	CustomerName   string
	PetName        string
	ServiceName    string
	StartAt        time.Time
	RemindAt       time.Time
	Traceparent    string
	Tracestate     string
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
}

// Key builds the job's idempotency key from the appointment and offset.
func Key(appointmentID string, offset time.Duration) string {
	return fmt.Sprintf("%s:%d", appointmentID, int64(offset.Minutes()))
}

// Reminder is one send time ahead of an appointment, tagged with the offset
// that produced it.
type Reminder struct {
	Offset time.Duration
	At     time.Time
}

// UpcomingReminders returns the send times for an appointment start, one per
// offset, dropping any that are already in the past.
func UpcomingReminders(start, now time.Time, offsets []time.Duration) []Reminder {
	var out []Reminder
	for _, offset := range offsets {
		remindAt := start.Add(-offset)
		if remindAt.Before(now) {
			continue
		}
		out = append(out, Reminder{Offset: offset, At: remindAt})
	}
	return out
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, job Job) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO reminder_jobs
			(idempotency_key, appointment_id, recipient, customer_name, pet_name,
			 service_name, start_at, remind_at, next_run_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, job.IdempotencyKey, job.AppointmentID, job.Recipient, job.CustomerName,
		job.PetName, job.ServiceName, job.StartAt, job.RemindAt, traceparent, tracestate)
	return err
}

// CancelByAppointment drops every pending reminder for a cancelled
// appointment.
func (r *Repository) CancelByAppointment(ctx context.Context, tx pgx.Tx, appointmentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET status = 'cancelled', updated_at = now()
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID)
	return err
}

func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, limit int) ([]Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, idempotency_key, appointment_id, recipient, customer_name, pet_name,
			service_name, start_at, remind_at, traceparent, tracestate,
			attempts, max_attempts, next_run_at
		FROM reminder_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.IdempotencyKey, &j.AppointmentID, &j.Recipient,
			&j.CustomerName, &j.PetName, &j.ServiceName, &j.StartAt, &j.RemindAt,
			&j.Traceparent, &j.Tracestate, &j.Attempts, &j.MaxAttempts, &j.NextRunAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET status = 'processed', updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, maxAttempts int, nextRunAt time.Time, lastError string) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET attempts = $2,
		    status = $3,
		    next_run_at = $4,
		    last_error = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, status, nextRunAt, lastError)
	return err
}
