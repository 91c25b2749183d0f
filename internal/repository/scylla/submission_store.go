package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/failover-dialer/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS submissions_by_campaign (
		campaign text,
		bucket date,
		submitted_at timestamp,
		id text,
		call_id text,
		destination text,
		identity text,
		status text,
		job_id text,
		error text,
		dial_string text,
		duration_ms bigint,
		PRIMARY KEY ((campaign, bucket), submitted_at, id)
	) WITH CLUSTERING ORDER BY (submitted_at DESC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS submissions_by_destination (
		campaign text,
		destination text,
		submitted_at timestamp,
		id text,
		call_id text,
		identity text,
		status text,
		job_id text,
		error text,
		PRIMARY KEY ((campaign, destination), submitted_at, id)
	) WITH CLUSTERING ORDER BY (submitted_at DESC, id ASC)`,
}

// SubmissionStore keeps an audit trail of every submission attempt. It is
// write-mostly; the ledger remains the source of truth for progress.
type SubmissionStore struct {
	session *gocql.Session
}

// NewSubmissionStore creates a new submission store.
func NewSubmissionStore(session *gocql.Session) *SubmissionStore {
	return &SubmissionStore{session: session}
}

// EnsureSchema creates the audit tables in the session keyspace.
func (s *SubmissionStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("submission store: ensure schema: %w", err)
		}
	}
	return nil
}

// AppendSubmission writes the record to both lookup tables in one logged batch.
func (s *SubmissionStore) AppendSubmission(ctx context.Context, record domain.SubmissionRecord) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO submissions_by_campaign (campaign, bucket, submitted_at, id, call_id, destination, identity, status, job_id, error, dial_string, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, campaignRow(record)...)
	batch.Query(`INSERT INTO submissions_by_destination (campaign, destination, submitted_at, id, call_id, identity, status, job_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, destinationRow(record)...)

	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("submission store: append %s: %w", record.Destination, err)
	}
	return nil
}

// ListByDestination returns the most recent submissions for one destination.
func (s *SubmissionStore) ListByDestination(ctx context.Context, campaign string, dest domain.Destination, limit int) ([]domain.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := s.session.Query(`SELECT submitted_at, id, call_id, identity, status, job_id, error
		FROM submissions_by_destination
		WHERE campaign = ? AND destination = ?
		LIMIT ?`, campaign, string(dest), limit).WithContext(ctx).Iter()

	var (
		submittedAt time.Time
		idStr       string
		callIDStr   string
		identity    string
		status      string
		jobID       string
		errText     string
	)

	records := make([]domain.SubmissionRecord, 0, limit)
	for iter.Scan(&submittedAt, &idStr, &callIDStr, &identity, &status, &jobID, &errText) {
		records = append(records, domain.SubmissionRecord{
			ID:          parseUUID(idStr),
			Campaign:    campaign,
			CallID:      parseUUID(callIDStr),
			Destination: dest,
			Identity:    domain.Identity(identity),
			Status:      domain.SubmissionStatus(status),
			JobID:       jobID,
			Error:       errText,
			SubmittedAt: submittedAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("submission store: list %s: %w", dest, err)
	}
	return records, nil
}

func campaignRow(r domain.SubmissionRecord) []interface{} {
	return []interface{}{
		r.Campaign,
		bucketDate(r.SubmittedAt),
		r.SubmittedAt,
		r.ID.String(),
		r.CallID.String(),
		string(r.Destination),
		string(r.Identity),
		string(r.Status),
		r.JobID,
		r.Error,
		r.DialString,
		r.Duration.Milliseconds(),
	}
}

func destinationRow(r domain.SubmissionRecord) []interface{} {
	return []interface{}{
		r.Campaign,
		string(r.Destination),
		r.SubmittedAt,
		r.ID.String(),
		r.CallID.String(),
		string(r.Identity),
		string(r.Status),
		r.JobID,
		r.Error,
	}
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// parseUUID tolerates rows written by other tooling without ids.
func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
