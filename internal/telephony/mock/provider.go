package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/internal/telephony"
	"github.com/acme/failover-dialer/internal/telephony/freeswitch"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
	"github.com/acme/failover-dialer/pkg/logger"
)

// Provider simulates the origination engine for dry runs. It renders the same
// dial string the real switch would receive and logs it.
type Provider struct {
	successRate float64
	latency     time.Duration
	logger      *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider seeded from the clock.
func NewProvider(lg *logger.Logger) *Provider {
	return &Provider{
		successRate: 0.95,
		latency:     50 * time.Millisecond,
		logger:      lg,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit simulates a submission.
func (p *Provider) Submit(ctx context.Context, chain domain.DialChain) (telephony.Result, error) {
	result := telephony.Result{DialString: freeswitch.DialString(chain)}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(p.latency):
	}

	p.mu.Lock()
	ok := p.rng.Float64() <= p.successRate
	p.mu.Unlock()

	p.logger.Info("mock switch: originate",
		zap.String("destination", string(chain.Destination)),
		zap.String("dial_string", result.DialString),
		zap.Bool("accepted", ok),
	)

	if !ok {
		return result, fmt.Errorf("%w: mock switch: simulated rejection", apperrors.ErrSubmission)
	}
	result.JobID = uuid.NewString()
	return result, nil
}
