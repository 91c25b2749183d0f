package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaign_destinations (
		id BIGSERIAL PRIMARY KEY,
		campaign TEXT NOT NULL,
		position BIGINT NOT NULL,
		phone_number TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_destinations_order_idx
		ON campaign_destinations (campaign, position, id)`,
	`CREATE TABLE IF NOT EXISTS campaign_progress (
		seq BIGSERIAL,
		campaign TEXT NOT NULL,
		destination TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (campaign, destination)
	)`,
}

// EnsureSchema creates the dialer tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: ensure schema: %w", err)
			}
		}
		return nil
	})
}
