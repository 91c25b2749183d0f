package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/failover-dialer/internal/domain"
)

// Ledger stores campaign progress in the campaign_progress table. Each
// destination has at most one row per campaign; rows are never updated.
type Ledger struct {
	db       *sqlx.DB
	campaign string
}

// NewLedger constructs the ledger for one campaign.
func NewLedger(db *sqlx.DB, campaign string) *Ledger {
	return &Ledger{db: db, campaign: campaign}
}

// Load reads every attempted destination in the order it was recorded.
func (l *Ledger) Load(ctx context.Context) (*domain.Progress, error) {
	var records []string
	err := l.db.SelectContext(ctx, &records, `SELECT destination
		FROM campaign_progress
		WHERE campaign = $1
		ORDER BY seq ASC`, l.campaign)
	if err != nil {
		return nil, fmt.Errorf("campaign progress: select: %w", err)
	}

	dests := make([]domain.Destination, 0, len(records))
	for _, r := range records {
		dests = append(dests, domain.Destination(r))
	}
	return domain.NewProgress(dests), nil
}

// Record appends one attempt. A second record for the same destination is a
// no-op, so replays after a crash cannot duplicate rows.
func (l *Ledger) Record(ctx context.Context, dest domain.Destination) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO campaign_progress (campaign, destination)
		VALUES ($1, $2)
		ON CONFLICT (campaign, destination) DO NOTHING`, l.campaign, string(dest))
	if err != nil {
		return fmt.Errorf("campaign progress: insert: %w", err)
	}
	return nil
}
