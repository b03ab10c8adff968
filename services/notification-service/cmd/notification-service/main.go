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
	"github.com/telemedcore/encounter/libs/config"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/libs/kafkax"
	otelx "github.com/telemedcore/encounter/libs/otel"
	"github.com/telemedcore/encounter/libs/runtime"
	"github.com/telemedcore/encounter/services/notification-service/internal/consumer"
	"github.com/telemedcore/encounter/services/notification-service/internal/dispatch"
	"github.com/telemedcore/encounter/services/notification-service/internal/email"
	"github.com/telemedcore/encounter/services/notification-service/internal/handlers"
	"github.com/telemedcore/encounter/services/notification-service/internal/inbox"
	"github.com/telemedcore/encounter/services/notification-service/internal/outbox"
	"github.com/telemedcore/encounter/services/notification-service/internal/registry"
	"github.com/telemedcore/encounter/services/notification-service/internal/sms"
	"github.com/telemedcore/encounter/services/notification-service/internal/storage"
	"github.com/telemedcore/encounter/services/notification-service/internal/template"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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

	var emailSender email.Sender
	if smtpHost := strings.TrimSpace(config.String("SMTP_HOST", "localhost")); smtpHost != "" {
		emailSender = email.NewSMTPSender(smtpHost, config.String("SMTP_PORT", "1025"), config.String("SMTP_FROM", ""))
	} else {
		emailSender = email.NewNoopSender()
	}

	var smsSender sms.Sender
	switch config.String("SMS_PROVIDER", "noop") {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}
	logger.Info("sms provider configured", "provider", smsSender.ProviderID())

	contacts := registry.NewClient(config.String("REGISTRY_URL", "http://localhost:8080"))
	deliveries := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository()
	dispatcher := dispatch.NewService(deliveries, dispatch.NewOutboxSink(pool, outboxRepo), contacts, emailSender, smsSender, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	// The encounter workflow notifies synchronously over HTTP, so only the
	// prescription topic is consumed by default. Additional topics can be
	// enabled when a producer does not call the send endpoint itself.
	inboxRepo := inbox.NewRepository(pool)
	eventHandler := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			PatientID  string `json:"patient_id"`
			DoctorID   string `json:"doctor_id"`
			StartTime  string `json:"start_time"`
			ValidUntil string `json:"valid_until"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		meta := kafkax.ExtractEventMeta(msg)

		kind := ""
		recipients := []string{payload.PatientID}
		switch meta.EventType {
		case "prescription.issued.v1":
			kind = template.PrescriptionIssued
		case "encounter.appointment.requested.v1":
			kind = template.AppointmentRequested
			recipients = []string{payload.DoctorID}
		case "encounter.appointment.confirmed.v1":
			kind = template.AppointmentConfirmed
		case "encounter.appointment.cancelled.v1":
			kind = template.AppointmentCancelled
			recipients = []string{payload.PatientID, payload.DoctorID}
		case "encounter.appointment.rescheduled.v1":
			kind = template.AppointmentRescheduled
			recipients = []string{payload.PatientID, payload.DoctorID}
		case "encounter.consultation.started.v1":
			kind = template.ConsultationStarted
		case "encounter.consultation.completed.v1":
			kind = template.ConsultationCompleted
		default:
			logger.Info("unhandled event type", "event_type", meta.EventType, "topic", msg.Topic)
			return nil
		}

		body := map[string]string{}
		if payload.StartTime != "" {
			body["start_time"] = payload.StartTime
		}
		if payload.ValidUntil != "" {
			body["valid_until"] = payload.ValidUntil
		}
		for _, userID := range recipients {
			if userID == "" {
				continue
			}
			res, err := dispatcher.Dispatch(ctx, userID, kind, body)
			if err != nil {
				return err
			}
			if !res.Accepted {
				logger.Warn("event notification rejected", "user_id", userID, "template", kind, "reason", res.Reason)
			}
		}
		return nil
	}
	for _, topic := range []string{
		config.String("KAFKA_CONSUME_TOPIC", "prescription.issued.v1"),
		config.String("KAFKA_CONSUME_TOPIC_2", ""),
		config.String("KAFKA_CONSUME_TOPIC_3", ""),
	} {
		if strings.TrimSpace(topic) == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
			Topic:   topic,
		}, eventHandler)
		go eventConsumer.Run(ctx)
	}

	sendHandler := handlers.NewSendHandler(dispatcher, logger)

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
	mux.Handle("/api/v1/notifications/send", withAuth(http.HandlerFunc(sendHandler.Send)))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "notification")
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
