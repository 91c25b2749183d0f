package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/acme/failover-dialer/internal/domain"
)

// DestinationSource reads the campaign queue from campaign_destinations.
type DestinationSource struct {
	db       *sqlx.DB
	campaign string
}

// NewDestinationSource constructs the source for one campaign.
func NewDestinationSource(db *sqlx.DB, campaign string) *DestinationSource {
	return &DestinationSource{db: db, campaign: campaign}
}

// Load returns the queue ordered by position. Blank numbers are skipped;
// duplicates are kept.
func (s *DestinationSource) Load(ctx context.Context) ([]domain.Destination, error) {
	var numbers []string
	err := s.db.SelectContext(ctx, &numbers, `SELECT phone_number
		FROM campaign_destinations
		WHERE campaign = $1
		ORDER BY position ASC, id ASC`, s.campaign)
	if err != nil {
		return nil, fmt.Errorf("campaign destinations: select: %w", err)
	}

	out := make([]domain.Destination, 0, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, domain.Destination(n))
	}
	return out, nil
}

// Append adds destinations to the end of the queue in one transaction.
func (s *DestinationSource) Append(ctx context.Context, dests []domain.Destination) error {
	if len(dests) == 0 {
		return nil
	}

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var next int64
		if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(position), 0) + 1
			FROM campaign_destinations
			WHERE campaign = $1`, s.campaign); err != nil {
			return fmt.Errorf("campaign destinations: next position: %w", err)
		}

		for i, d := range dests {
			if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_destinations (campaign, position, phone_number)
				VALUES ($1, $2, $3)`, s.campaign, next+int64(i), string(d)); err != nil {
				return fmt.Errorf("campaign destinations: insert: %w", err)
			}
		}
		return nil
	})
}
