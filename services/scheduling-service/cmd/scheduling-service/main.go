package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petlor/petlor-clinic/libs/auth"
	"github.com/petlor/petlor-clinic/libs/config"
	"github.com/petlor/petlor-clinic/libs/db"
	"github.com/petlor/petlor-clinic/libs/httpx"
	"github.com/petlor/petlor-clinic/libs/kafkax"
	otelx "github.com/petlor/petlor-clinic/libs/otel"
	"github.com/petlor/petlor-clinic/libs/runtime"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/cache"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/handlers"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/outbox"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/policy"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/scheduler"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8083")
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

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}

	apptRepo := storage.NewAppointmentRepository(pool)
	medicalRepo := storage.NewMedicalRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	queueCache := cache.NewQueueCache(rdb, logger, config.Duration("QUEUE_CACHE_TTL", 30*time.Second))

	catalogProvider, err := policy.NewCatalogProvider(logger, pool, config.String("CATALOG_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("catalog provider init failed; using store", "err", err)
		catalogProvider = policy.NewStoreProvider(pool)
	}

	sched := scheduler.New(apptRepo, medicalRepo, outboxRepo, catalogProvider, queueCache, logger, scheduler.Config{
		AllowDoubleBooking: config.Bool("SCHEDULING_ALLOW_DOUBLE_BOOKING", false),
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	schedulingHandler := handlers.NewSchedulingHandler(sched, queueCache, logger)

	jwtSecret := config.String("JWT_SECRET", "dev-secret")
	var jwksClient *auth.JWKSClient
	if jwksURL := strings.TrimSpace(config.String("JWKS_URL", "")); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}
	staff := func(h http.HandlerFunc) http.Handler {
		return handlers.RequireAuth(h, jwtSecret, jwksClient)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	// Public booking surface, rate limited separately below.
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/api/v1/public/book", schedulingHandler.Book)
	publicMux.HandleFunc("/api/v1/public/calendar", schedulingHandler.Calendar)
	mux.Handle("/api/v1/public/", httpx.Chain(publicMux, publicRateLimit(rdb, logger)))

	mux.Handle("/api/v1/appointments", staff(schedulingHandler.List))
	mux.Handle("/api/v1/appointments/detail", staff(schedulingHandler.Detail))
	mux.Handle("/api/v1/appointments/stats", staff(schedulingHandler.Stats))
	mux.Handle("/api/v1/appointments/confirm", staff(schedulingHandler.Confirm))
	mux.Handle("/api/v1/appointments/complete", staff(schedulingHandler.Complete))
	mux.Handle("/api/v1/appointments/cancel", staff(schedulingHandler.Cancel))
	mux.Handle("/api/v1/pets/medical-record", staff(schedulingHandler.MedicalRecord))
	mux.Handle("/api/v1/admin/appointments/override",
		handlers.RequireAuth(handlers.RequireRole(http.HandlerFunc(schedulingHandler.Override), "manager"), jwtSecret, jwksClient))

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: splitList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: splitList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
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

// publicRateLimit protects the anonymous booking endpoints. Redis-backed
// when an address is configured so the limit holds across instances,
// in-memory otherwise.
func publicRateLimit(rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 30)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, limit, time.Minute, "booking")
		return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	return httpx.NewRateLimiter(limit, time.Minute).Middleware()
}

func splitList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
