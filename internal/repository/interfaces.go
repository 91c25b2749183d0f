package repository

import (
	"context"

	"github.com/acme/failover-dialer/internal/domain"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
)

// DestinationSource loads the ordered campaign destination queue.
type DestinationSource interface {
	Load(ctx context.Context) ([]domain.Destination, error)
}

// DestinationAppender extends the queue. The dispatcher picks new entries up on
// its next cycle.
type DestinationAppender interface {
	Append(ctx context.Context, dests []domain.Destination) error
}

// IdentitySource loads the caller-ID identity pool.
type IdentitySource interface {
	Load(ctx context.Context) (domain.IdentityPool, error)
}

// Ledger is the append-only record of attempted destinations.
type Ledger interface {
	Load(ctx context.Context) (*domain.Progress, error)
	Record(ctx context.Context, dest domain.Destination) error
}

// PauseSignal reports whether the campaign is paused. Implementations must be
// cheap and free of side effects.
type PauseSignal interface {
	IsPaused(ctx context.Context) bool
}

// PauseSignalHealth is implemented by pause signals backed by a remote store.
// Err returns the failure behind the latest IsPaused answer, or nil.
type PauseSignalHealth interface {
	Err() error
}

// PauseControl sets and clears the pause marker. Only operator surfaces use it;
// the dispatcher only polls PauseSignal.
type PauseControl interface {
	PauseSignal
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// SubmissionStore keeps an audit trail of submission attempts.
type SubmissionStore interface {
	AppendSubmission(ctx context.Context, record domain.SubmissionRecord) error
}
