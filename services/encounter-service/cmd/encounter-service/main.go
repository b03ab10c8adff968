package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/telemedcore/encounter/libs/auth"
	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/config"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/libs/kafkax"
	otelx "github.com/telemedcore/encounter/libs/otel"
	"github.com/telemedcore/encounter/libs/runtime"
	"github.com/telemedcore/encounter/services/encounter-service/internal/appointment"
	"github.com/telemedcore/encounter/services/encounter-service/internal/consultation"
	"github.com/telemedcore/encounter/services/encounter-service/internal/handlers"
	"github.com/telemedcore/encounter/services/encounter-service/internal/notify"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
	"github.com/telemedcore/encounter/services/encounter-service/internal/reconcile"
	"github.com/telemedcore/encounter/services/encounter-service/internal/registry"
	"github.com/telemedcore/encounter/services/encounter-service/internal/scheduling"
	"github.com/telemedcore/encounter/services/encounter-service/internal/storage"
	"github.com/telemedcore/encounter/services/encounter-service/internal/workflow"
)

func main() {
	service := config.String("SERVICE_NAME", "encounter-service")
	port, err := config.Port("PORT", "8081")
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

	clock := clockx.System()
	outboxRepo := outbox.NewRepository()
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo)
	consultRepo := storage.NewConsultationRepository(pool, outboxRepo)
	cascadeRepo := storage.NewCascadeRepository(pool)

	checker := scheduling.NewChecker(apptRepo)
	apptSvc := appointment.NewService(apptRepo, checker, clock, logger)
	consultSvc := consultation.NewService(consultRepo, apptRepo, cascadeRepo, clock, logger)

	var notifier notify.Client = notify.NewNoop()
	if dispatcherURL := strings.TrimSpace(config.String("NOTIFICATION_URL", "")); dispatcherURL != "" {
		notifier = notify.NewHTTPClient(dispatcherURL, config.String("NOTIFICATION_TOKEN", ""))
	} else {
		logger.Warn("notification dispatcher not configured, sends are no-ops")
	}
	registryProvider := registry.NewProvider(logger,
		config.String("REGISTRY_URL", "http://localhost:8080"),
		config.String("REGISTRY_GRPC_ADDR", ""))

	orch := workflow.NewOrchestrator(apptSvc, consultSvc, notifier, registryProvider, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	reconciler := reconcile.NewReconciler(pool, cascadeRepo, apptRepo, logger, reconcile.Config{
		Interval:  config.Duration("RECONCILE_INTERVAL", 5*time.Second),
		BatchSize: config.Int("RECONCILE_BATCH_SIZE", 20),
		Backoff:   config.Duration("RECONCILE_BACKOFF", time.Minute),
	})
	go reconciler.Run(ctx)

	apptHandler := handlers.NewAppointmentHandler(orch, apptSvc, apptRepo, clock, logger)
	consultHandler := handlers.NewConsultationHandler(orch, consultSvc, apptSvc, logger)

	jwtSecret := config.String("JWT_SECRET", "dev-secret")
	var jwksClient *auth.JWKSClient
	if jwksURL := strings.TrimSpace(config.String("JWKS_URL", "")); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}
	withAuth := httpx.WithBearerAuth(jwtSecret, jwksClient)

	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, config.Int("RATE_LIMIT_PER_MINUTE", 60), time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:encounter"))
		rateLimitMW = rl.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(config.Int("RATE_LIMIT_PER_MINUTE", 60), time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)")
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	// Public availability lookup carries no credentials; rate limit it.
	mux.Handle("/api/v1/public/slots", httpx.Chain(http.HandlerFunc(apptHandler.Slots), rateLimitMW))

	authed := func(fn http.HandlerFunc) http.Handler { return withAuth(fn) }
	mux.Handle("/api/v1/appointments", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			apptHandler.List(w, r)
			return
		}
		apptHandler.Create(w, r)
	}))
	mux.Handle("/api/v1/appointments/get", authed(apptHandler.Get))
	mux.Handle("/api/v1/appointments/confirm", authed(apptHandler.Confirm))
	mux.Handle("/api/v1/appointments/cancel", authed(apptHandler.Cancel))
	mux.Handle("/api/v1/appointments/reschedule", authed(apptHandler.Reschedule))
	mux.Handle("/api/v1/consultations", authed(consultHandler.List))
	mux.Handle("/api/v1/consultations/get", authed(consultHandler.Get))
	mux.Handle("/api/v1/consultations/start", authed(consultHandler.Start))
	mux.Handle("/api/v1/consultations/complete", authed(consultHandler.Complete))
	mux.Handle("/api/v1/consultations/notes", authed(consultHandler.UpdateNotes))
	mux.Handle("/api/v1/consultations/cancel", authed(consultHandler.Cancel))
	mux.Handle("/api/v1/consultations/no-show", authed(consultHandler.NoShow))

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 30*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "encounter")
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

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
