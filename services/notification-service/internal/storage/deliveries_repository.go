package storage

import (
	"context"
	"encoding/json"

	"github.com/telemedcore/encounter/libs/db"
)

// Delivery is one attempted notification, success or not.
type Delivery struct {
	UserID    string
	Template  string
	Channel   string
	Recipient string
	Payload   map[string]string
	Status    string
	Reason    string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO deliveries (user_id, template, channel, recipient, payload, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.UserID, d.Template, d.Channel, d.Recipient, payload, d.Status, d.Reason)
	return err
}
