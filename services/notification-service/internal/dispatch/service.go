// Package dispatch decides how a notification reaches its recipient:
// render the template, resolve contact details, send over every channel
// with an address, and record the outcome. A failed delivery is recorded
// and reported as rejected, never surfaced as an error to the emitting
// service.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/services/notification-service/internal/email"
	"github.com/telemedcore/encounter/services/notification-service/internal/outbox"
	"github.com/telemedcore/encounter/services/notification-service/internal/registry"
	"github.com/telemedcore/encounter/services/notification-service/internal/sms"
	"github.com/telemedcore/encounter/services/notification-service/internal/storage"
	"github.com/telemedcore/encounter/services/notification-service/internal/template"
)

// ContactResolver finds delivery addresses for a user id.
type ContactResolver interface {
	GetContact(ctx context.Context, userID string) (registry.Contact, error)
}

// DeliveryLog persists attempted deliveries.
type DeliveryLog interface {
	Insert(ctx context.Context, d storage.Delivery) error
}

// EventSink publishes delivery outcome events.
type EventSink interface {
	Record(ctx context.Context, evt outbox.Event) error
}

type Service struct {
	log      DeliveryLog
	events   EventSink
	contacts ContactResolver
	email    email.Sender
	sms      sms.Sender
	logger   *slog.Logger
}

func NewService(log DeliveryLog, events EventSink, contacts ContactResolver, emailSender email.Sender, smsSender sms.Sender, logger *slog.Logger) *Service {
	return &Service{
		log:      log,
		events:   events,
		contacts: contacts,
		email:    emailSender,
		sms:      smsSender,
		logger:   logger,
	}
}

// Result of one dispatch. Reason is set when Accepted is false.
type Result struct {
	Accepted bool
	Reason   string
}

// Dispatch renders the template and attempts delivery on every channel
// the user has an address for. It accepts when at least one channel
// succeeds.
func (s *Service) Dispatch(ctx context.Context, userID, kind string, payload map[string]string) (Result, error) {
	msg, ok := template.Render(kind, payload)
	if !ok {
		return Result{Reason: "unknown template kind: " + kind}, nil
	}

	contact, err := s.contacts.GetContact(ctx, userID)
	if err != nil {
		s.logger.Warn("contact lookup failed", "user_id", userID, "err", err)
		res := Result{Reason: "contact lookup failed"}
		return res, s.record(ctx, userID, kind, "none", "", payload, res)
	}
	if contact.Email == "" && contact.Phone == "" {
		res := Result{Reason: "no delivery address on file"}
		return res, s.record(ctx, userID, kind, "none", "", payload, res)
	}

	accepted := false
	reason := ""
	if contact.Email != "" {
		res := Result{Accepted: true}
		if err := s.email.Send(contact.Email, msg.Subject, msg.Body); err != nil {
			s.logger.Error("email send failed", "err", err, "user_id", userID)
			res = Result{Reason: err.Error()}
			if reason == "" {
				reason = err.Error()
			}
		} else {
			accepted = true
		}
		if err := s.record(ctx, userID, kind, "email", contact.Email, payload, res); err != nil {
			return Result{}, err
		}
	}
	if contact.Phone != "" {
		res := Result{Accepted: true}
		if err := s.sms.Send(ctx, contact.Phone, msg.Body); err != nil {
			s.logger.Error("sms send failed", "err", err, "user_id", userID)
			res = Result{Reason: err.Error()}
			if reason == "" {
				reason = err.Error()
			}
		} else {
			accepted = true
		}
		if err := s.record(ctx, userID, kind, "sms", contact.Phone, payload, res); err != nil {
			return Result{}, err
		}
	}

	if accepted {
		return Result{Accepted: true}, nil
	}
	return Result{Reason: reason}, nil
}

// record logs the delivery attempt and emits the matching outcome event.
func (s *Service) record(ctx context.Context, userID, kind, channel, recipient string, payload map[string]string, res Result) error {
	status := "sent"
	eventType := outbox.EventNotificationSent
	if !res.Accepted {
		status = "failed"
		eventType = outbox.EventNotificationFailed
	}

	if err := s.log.Insert(ctx, storage.Delivery{
		UserID:    userID,
		Template:  kind,
		Channel:   channel,
		Recipient: recipient,
		Payload:   payload,
		Status:    status,
		Reason:    res.Reason,
	}); err != nil {
		return err
	}

	eventPayload, err := json.Marshal(map[string]any{
		"user_id":   userID,
		"template":  kind,
		"channel":   channel,
		"status":    status,
		"reason":    res.Reason,
		"logged_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.events.Record(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   userID,
		EventType:     eventType,
		Payload:       eventPayload,
	})
}

// OutboxSink writes outcome events through the transactional outbox.
type OutboxSink struct {
	pool *db.Pool
	repo *outbox.Repository
}

func NewOutboxSink(pool *db.Pool, repo *outbox.Repository) *OutboxSink {
	return &OutboxSink{pool: pool, repo: repo}
}

func (s *OutboxSink) Record(ctx context.Context, evt outbox.Event) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return s.repo.Insert(ctx, tx, evt)
	})
}
