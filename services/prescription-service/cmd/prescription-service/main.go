package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/telemedcore/encounter/libs/auth"
	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/config"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/libs/kafkax"
	otelx "github.com/telemedcore/encounter/libs/otel"
	"github.com/telemedcore/encounter/libs/runtime"
	"github.com/telemedcore/encounter/services/prescription-service/internal/consumer"
	"github.com/telemedcore/encounter/services/prescription-service/internal/encounterapi"
	"github.com/telemedcore/encounter/services/prescription-service/internal/expiry"
	"github.com/telemedcore/encounter/services/prescription-service/internal/gate"
	"github.com/telemedcore/encounter/services/prescription-service/internal/handlers"
	"github.com/telemedcore/encounter/services/prescription-service/internal/inbox"
	"github.com/telemedcore/encounter/services/prescription-service/internal/interaction"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
	"github.com/telemedcore/encounter/services/prescription-service/internal/outbox"
	"github.com/telemedcore/encounter/services/prescription-service/internal/prescription"
	"github.com/telemedcore/encounter/services/prescription-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "prescription-service")
	port, err := config.Port("PORT", "8082")
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
	repo := storage.NewPrescriptionRepository(pool, outboxRepo)
	mirror := storage.NewConsultationMirror(pool)

	encounterClient := encounterapi.NewClient(
		config.String("ENCOUNTER_URL", "http://localhost:8081"),
		config.String("ENCOUNTER_TOKEN", ""))
	consultationGate := gate.New(mirror, encounterClient, logger)

	svc := prescription.NewService(repo, consultationGate, interaction.NewChecker(), clock, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	expiryWorker := expiry.NewWorker(svc, clock, logger, config.Duration("EXPIRY_SWEEP_INTERVAL", time.Hour))
	go expiryWorker.Run(ctx)

	// Mirror consultations from encounter-service events so the prescribing
	// gate usually answers locally.
	inboxRepo := inbox.NewRepository(pool)
	mirrorHandler := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			ConsultationID string `json:"consultation_id"`
			PatientID      string `json:"patient_id"`
			DoctorID       string `json:"doctor_id"`
			Status         string `json:"status"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.ConsultationID == "" {
			logger.Error("missing consultation_id", "topic", msg.Topic)
			return nil
		}
		return mirror.Upsert(ctx, model.ConsultationRef{
			ID:        payload.ConsultationID,
			PatientID: payload.PatientID,
			DoctorID:  payload.DoctorID,
			Status:    payload.Status,
			UpdatedAt: time.Now().UTC(),
		})
	}
	for _, topic := range []string{
		config.String("KAFKA_CONSUME_TOPIC", "encounter.consultation.started.v1"),
		config.String("KAFKA_CONSUME_TOPIC_2", "encounter.consultation.completed.v1"),
		config.String("KAFKA_CONSUME_TOPIC_3", "encounter.consultation.updated.v1"),
	} {
		if strings.TrimSpace(topic) == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "prescription-service"),
			Topic:   topic,
		}, mirrorHandler)
		go eventConsumer.Run(ctx)
	}

	prescriptionHandler := handlers.NewPrescriptionHandler(svc, logger)

	jwtSecret := config.String("JWT_SECRET", "dev-secret")
	var jwksClient *auth.JWKSClient
	if jwksURL := strings.TrimSpace(config.String("JWKS_URL", "")); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}
	withAuth := httpx.WithBearerAuth(jwtSecret, jwksClient)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.Handle("/api/v1/prescriptions", withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			prescriptionHandler.List(w, r)
			return
		}
		prescriptionHandler.Create(w, r)
	})))
	mux.Handle("/api/v1/prescriptions/get", withAuth(http.HandlerFunc(prescriptionHandler.Get)))
	mux.Handle("/api/v1/prescriptions/cancel", withAuth(http.HandlerFunc(prescriptionHandler.Cancel)))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "prescription")
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
