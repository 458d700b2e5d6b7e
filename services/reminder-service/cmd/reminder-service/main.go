package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petlor/petlor-clinic/libs/config"
	"github.com/petlor/petlor-clinic/libs/db"
	"github.com/petlor/petlor-clinic/libs/httpx"
	"github.com/petlor/petlor-clinic/libs/kafkax"
	otelx "github.com/petlor/petlor-clinic/libs/otel"
	"github.com/petlor/petlor-clinic/libs/runtime"
	"github.com/petlor/petlor-clinic/services/reminder-service/internal/consumer"
	"github.com/petlor/petlor-clinic/services/reminder-service/internal/email"
	"github.com/petlor/petlor-clinic/services/reminder-service/internal/inbox"
	"github.com/petlor/petlor-clinic/services/reminder-service/internal/jobs"
)

// appointmentEvent is the subset of the scheduling event payload the
// reminder pipeline cares about.
type appointmentEvent struct {
	AppointmentID  string `json:"appointment_id"`
	PetName        string `json:"pet_name"`
	ServiceName    string `json:"service_name"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	ScheduledStart string `json:"scheduled_start"`
}

func parseReminderOffsets(raw string, logger *slog.Logger) []time.Duration {
	var offsets []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mins, err := strconv.Atoi(part)
		if err != nil || mins <= 0 {
			logger.Warn("invalid reminder offset", "value", part)
			continue
		}
		offsets = append(offsets, time.Duration(mins)*time.Minute)
	}
	if len(offsets) == 0 {
		offsets = []time.Duration{24 * time.Hour, time.Hour}
	}
	return offsets
}

func main() {
	service := config.String("SERVICE_NAME", "reminder-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	jobsRepo := jobs.NewRepository()
	offsets := parseReminderOffsets(config.String("REMINDER_OFFSETS_MINUTES", "1440,60"), logger)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@petlor.local"),
	)

	worker := jobs.NewWorker(pool, jobsRepo, emailSender, logger, jobs.WorkerConfig{
		Interval:  config.Duration("WORKER_INTERVAL", 5*time.Second),
		BatchSize: config.Int("WORKER_BATCH_SIZE", 50),
		Backoff:   config.Duration("WORKER_BACKOFF", time.Minute),
	})
	go worker.Run(ctx)

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "reminder-service")

	// Confirmed appointments schedule reminders at each configured offset.
	confirmedConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   config.String("KAFKA_CONFIRMED_TOPIC", "scheduling.appointment.confirmed.v1"),
	}, func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" || evt.ScheduledStart == "" {
			logger.Error("missing required event fields", "topic", msg.Topic)
			return nil
		}
		if strings.TrimSpace(evt.CustomerEmail) == "" {
			logger.Info("no recipient email; skipping reminders", "appointment_id", evt.AppointmentID)
			return nil
		}
		start, err := time.Parse(time.RFC3339, evt.ScheduledStart)
		if err != nil {
			logger.Error("invalid scheduled_start", "err", err, "appointment_id", evt.AppointmentID)
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, rem := range jobs.UpcomingReminders(start, time.Now().UTC(), offsets) {
			if err := jobsRepo.Insert(ctx, tx, jobs.Job{
				IdempotencyKey: jobs.Key(evt.AppointmentID, rem.Offset),
				AppointmentID:  evt.AppointmentID,
				Recipient:      evt.CustomerEmail,
				CustomerName:   evt.CustomerName,
				PetName:        evt.PetName,
				ServiceName:    evt.ServiceName,
				StartAt:        start,
				RemindAt:       rem.At,
			}); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	go confirmedConsumer.Run(ctx)

	// Cancellations drop any reminders not yet sent.
	cancelledConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   config.String("KAFKA_CANCELLED_TOPIC", "scheduling.appointment.cancelled.v1"),
	}, func(ctx context.Context, msg kafka.Message) error {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" {
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := jobsRepo.CancelByAppointment(ctx, tx, evt.AppointmentID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	go cancelledConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "reminder")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
