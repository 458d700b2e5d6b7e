package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petlor/petlor-clinic/libs/db"
	otelx "github.com/petlor/petlor-clinic/libs/otel"
	"github.com/petlor/petlor-clinic/services/reminder-service/internal/email"
)

// Worker polls for due reminders and delivers them over email. Failed sends
// are retried with a fixed backoff until max_attempts.
type Worker struct {
	pool      *db.Pool
	repo      *Repository
	sender    email.Sender
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewWorker(pool *db.Pool, repo *Repository, sender email.Sender, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	return &Worker{
		pool:      pool,
		repo:      repo,
		sender:    sender,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("reminder batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	due, err := w.repo.FetchDue(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return tx.Commit(ctx)
	}

	var sent []int64
	for _, job := range due {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		if err := w.deliver(jobCtx, job); err != nil {
			w.logger.Error("reminder send failed", "err", err, "appointment_id", job.AppointmentID)
			attempts := job.Attempts + 1
			nextRunAt := time.Now().UTC().Add(w.backoff)
			if err := w.repo.MarkFailed(ctx, tx, job.ID, attempts, job.MaxAttempts, nextRunAt, err.Error()); err != nil {
				return err
			}
			continue
		}
		sent = append(sent, job.ID)
	}

	if err := w.repo.MarkProcessed(ctx, tx, sent); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (w *Worker) deliver(_ context.Context, job Job) error {
	subject := fmt.Sprintf("Appointment reminder for %s", job.PetName)
	body := Message(job)
	return w.sender.Send(job.Recipient, subject, body)
}

// Message renders the reminder body for a job.
func Message(job Job) string {
	name := job.CustomerName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(
		"Hi %s,\n\nThis is a reminder that %s has a %s appointment on %s.\n\nSee you soon,\nPetLor Clinic\n",
		name,
		job.PetName,
		job.ServiceName,
		job.StartAt.UTC().Format("Mon, 02 Jan 2006 at 15:04"),
	)
}
