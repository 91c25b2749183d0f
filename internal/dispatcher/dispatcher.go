// Package dispatcher runs the campaign control loop: it computes the remaining
// destinations, submits one failover chain per destination, records progress
// and paces itself between submissions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/config"
	"github.com/acme/failover-dialer/internal/dialchain"
	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/internal/repository"
	"github.com/acme/failover-dialer/internal/telephony"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
	"github.com/acme/failover-dialer/pkg/logger"
)

// Outcome describes how a cycle ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeIdle        Outcome = "idle"
	OutcomePaused      Outcome = "paused"
)

// CycleResult summarises one pass over the remaining destinations.
type CycleResult struct {
	Outcome   Outcome `json:"outcome"`
	Remaining int     `json:"remaining"`
	Submitted int     `json:"submitted"`
	Failed    int     `json:"failed"`
}

// Deps are the collaborators the dispatcher polls and drives.
type Deps struct {
	Destinations repository.DestinationSource
	Identities   repository.IdentitySource
	Ledger       repository.Ledger
	Pause        repository.PauseSignal
	Builder      *dialchain.Builder
	Originator   telephony.Originator
	Logger       *logger.Logger
}

const defaultObserverTimeout = 5 * time.Second

// Settings hold the loop timings and retry bounds.
type Settings struct {
	Campaign          string
	PausedPoll        time.Duration
	IdleInterval      time.Duration
	PacingMin         time.Duration
	PacingMax         time.Duration
	SubmitTimeout     time.Duration
	ObserverTimeout   time.Duration
	CycleBaseDelay    time.Duration
	CycleMaxDelay     time.Duration
	DegradedThreshold int
	LedgerAttempts    int
	LedgerBaseDelay   time.Duration
}

// SettingsFromConfig maps the loaded configuration onto dispatcher settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Campaign:          cfg.Campaign.Name,
		PausedPoll:        cfg.Campaign.PausedPoll,
		IdleInterval:      cfg.Campaign.IdleInterval,
		PacingMin:         cfg.Campaign.Pacing.Min,
		PacingMax:         cfg.Campaign.Pacing.Max,
		SubmitTimeout:     cfg.Campaign.SubmitTimeout,
		ObserverTimeout:   cfg.Campaign.ObserverTimeout,
		CycleBaseDelay:    cfg.Retry.CycleBaseDelay,
		CycleMaxDelay:     cfg.Retry.CycleMaxDelay,
		DegradedThreshold: cfg.Retry.DegradedThreshold,
		LedgerAttempts:    cfg.Retry.LedgerAttempts,
		LedgerBaseDelay:   cfg.Retry.LedgerBaseDelay,
	}
}

// SubmissionObserver receives every submission record after it has been
// written to the ledger. Each call is bounded by Settings.ObserverTimeout.
type SubmissionObserver interface {
	ObserveSubmission(ctx context.Context, record domain.SubmissionRecord) error
}

// ObserverFunc adapts a function to SubmissionObserver.
type ObserverFunc func(ctx context.Context, record domain.SubmissionRecord) error

func (f ObserverFunc) ObserveSubmission(ctx context.Context, record domain.SubmissionRecord) error {
	return f(ctx, record)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRand injects the source used for identity picks and pacing jitter.
func WithRand(rng domain.Rand) Option {
	return func(d *Dispatcher) { d.rng = rng }
}

// WithSleeper replaces the wall-clock sleep.
func WithSleeper(sleep Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithIDGenerator replaces uuid.New for call and record ids.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// WithObservers registers submission observers.
func WithObservers(obs ...SubmissionObserver) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the single sequential campaign loop.
type Dispatcher struct {
	deps      Deps
	settings  Settings
	rng       domain.Rand
	sleep     Sleeper
	newID     func() uuid.UUID
	now       func() time.Time
	observers []SubmissionObserver
	state     *stateMachine
	tracer    trace.Tracer
}

// New constructs a dispatcher.
func New(deps Deps, settings Settings, opts ...Option) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if settings.LedgerAttempts <= 0 {
		settings.LedgerAttempts = 1
	}
	if settings.DegradedThreshold <= 0 {
		settings.DegradedThreshold = 1
	}
	if settings.ObserverTimeout <= 0 {
		settings.ObserverTimeout = defaultObserverTimeout
	}
	d := &Dispatcher{
		deps:     deps,
		settings: settings,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
		newID:    uuid.New,
		now:      time.Now,
		tracer:   otel.Tracer("dialer.dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.state = newStateMachine(deps.Logger)
	return d
}

// Status returns the current observable state.
func (d *Dispatcher) Status() Status {
	st := d.state.status()
	if health, ok := d.deps.Pause.(repository.PauseSignalHealth); ok {
		if err := health.Err(); err != nil {
			st.PauseGateError = err.Error()
		}
	}
	return st
}

// Run executes cycles until ctx is cancelled or the ledger can no longer be
// written. Input failures are retried with exponential backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	lg := d.deps.Logger
	lg.Info("dispatcher: starting",
		zap.String("campaign", d.settings.Campaign),
		zap.Duration("pacing_min", d.settings.PacingMin),
		zap.Duration("pacing_max", d.settings.PacingMax),
	)

	bo := d.cycleBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := d.RunCycle(ctx)
		if errors.Is(err, apperrors.ErrLedgerWrite) {
			d.state.recordCycle(res, err)
			lg.Error("dispatcher: progress ledger unwritable, stopping", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.state.recordCycle(res, err)

		var wait time.Duration
		switch {
		case err != nil:
			wait = bo.NextBackOff()
			failures := d.state.consecutiveFailures()
			if failures >= d.settings.DegradedThreshold {
				d.state.fire(ctx, eventDegrade)
				lg.Error("dispatcher: degraded, cycles keep failing",
					zap.Int("consecutive_failures", failures),
					zap.Duration("retry_in", wait),
					zap.Error(err),
				)
			} else {
				d.state.fire(ctx, eventFail)
				lg.Warn("dispatcher: cycle failed",
					zap.Int("consecutive_failures", failures),
					zap.Duration("retry_in", wait),
					zap.Error(err),
				)
			}
		default:
			bo.Reset()
			switch res.Outcome {
			case OutcomePaused:
				wait = d.settings.PausedPoll
			case OutcomeIdle:
				wait = d.settings.IdleInterval
			}
		}

		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// RunCycle performs a single pass: pause check, fresh load of every source,
// then one submission per remaining destination in queue order.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.cycle")
	defer span.End()
	lg := d.deps.Logger.WithContext(ctx)

	if d.deps.Pause.IsPaused(ctx) {
		d.state.fire(ctx, eventPause)
		lg.Info("dispatcher: paused")
		return CycleResult{Outcome: OutcomePaused}, nil
	}
	d.state.fire(ctx, eventLoad)

	pool, err := d.deps.Identities.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return CycleResult{}, fmt.Errorf("dispatcher: load identities: %w", err)
	}
	queue, err := d.deps.Destinations.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return CycleResult{}, fmt.Errorf("dispatcher: load destinations: %w", err)
	}
	progress, err := d.deps.Ledger.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return CycleResult{}, fmt.Errorf("dispatcher: load ledger: %w", err)
	}

	remaining := Remaining(queue, progress)
	res := CycleResult{Remaining: len(remaining)}
	span.SetAttributes(
		attribute.Int("queue.size", len(queue)),
		attribute.Int("ledger.size", progress.Len()),
		attribute.Int("remaining", len(remaining)),
		attribute.Int("identities", pool.Len()),
	)

	if len(remaining) == 0 || pool.Len() == 0 {
		d.state.fire(ctx, eventIdle)
		lg.Info("dispatcher: no remaining work",
			zap.Int("queue", len(queue)),
			zap.Int("attempted", progress.Len()),
			zap.Int("identities", pool.Len()),
		)
		res.Outcome = OutcomeIdle
		return res, nil
	}

	d.state.fire(ctx, eventDispatch)
	lg.Info("dispatcher: dispatching", zap.Int("remaining", len(remaining)), zap.Int("identities", pool.Len()))

	for i, dest := range remaining {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.deps.Pause.IsPaused(ctx) {
			d.state.fire(ctx, eventPause)
			lg.Info("dispatcher: paused mid-cycle", zap.Int("dispatched", i), zap.Int("left", len(remaining)-i))
			res.Outcome = OutcomeInterrupted
			return res, nil
		}

		record, err := d.dispatchOne(ctx, dest, pool)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		res.Submitted++
		if record.Status != domain.SubmissionAccepted {
			res.Failed++
		}

		if err := d.sleep(ctx, d.pacing()); err != nil {
			return res, err
		}
	}

	res.Outcome = OutcomeCompleted
	lg.Info("dispatcher: cycle complete", zap.Int("submitted", res.Submitted), zap.Int("failed", res.Failed))
	return res, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, dest domain.Destination, pool domain.IdentityPool) (domain.SubmissionRecord, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.destination", trace.WithAttributes(
		attribute.String("destination", string(dest)),
	))
	defer span.End()
	lg := d.deps.Logger.WithContext(ctx)

	identity, _ := pool.Pick(d.rng)

	record := domain.SubmissionRecord{
		ID:          d.newID(),
		Campaign:    d.settings.Campaign,
		CallID:      d.newID(),
		Destination: dest,
		Identity:    identity,
		SubmittedAt: d.now().UTC(),
	}

	number, err := d.deps.Builder.Normalize(dest)
	if err != nil {
		record.Status = domain.SubmissionInvalid
		record.Error = err.Error()
		lg.Warn("dispatcher: destination not dialable", zap.String("destination", string(dest)), zap.Error(err))
	} else {
		chain := d.deps.Builder.Build(dest, number, identity, record.CallID)
		d.submit(ctx, chain, &record)
	}
	span.SetAttributes(attribute.String("submission.status", string(record.Status)))

	if err := d.recordProgress(ctx, dest); err != nil {
		span.RecordError(err)
		return record, err
	}

	d.notify(ctx, record)
	return record, nil
}

func (d *Dispatcher) submit(ctx context.Context, chain domain.DialChain, record *domain.SubmissionRecord) {
	lg := d.deps.Logger.WithContext(ctx)

	sctx := ctx
	if d.settings.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d.settings.SubmitTimeout)
		defer cancel()
	}

	start := d.now()
	result, err := d.deps.Originator.Submit(sctx, chain)
	record.Duration = d.now().Sub(start)
	record.DialString = result.DialString
	record.JobID = result.JobID

	if err != nil {
		record.Status = domain.SubmissionFailed
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			record.Status = domain.SubmissionTimedOut
		}
		record.Error = err.Error()
		lg.Warn("dispatcher: submission failed",
			zap.String("destination", string(chain.Destination)),
			zap.String("identity", string(chain.Identity)),
			zap.String("status", string(record.Status)),
			zap.Error(err),
		)
		return
	}

	record.Status = domain.SubmissionAccepted
	lg.Info("dispatcher: submitted",
		zap.String("destination", string(chain.Destination)),
		zap.String("identity", string(chain.Identity)),
		zap.String("call_id", chain.CallID.String()),
		zap.String("job_id", result.JobID),
	)
}

// recordProgress appends to the ledger with bounded retries. The write is
// detached from ctx so a shutdown never loses an attempted destination.
func (d *Dispatcher) recordProgress(ctx context.Context, dest domain.Destination) error {
	lg := d.deps.Logger.WithContext(ctx)
	wctx := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.settings.LedgerBaseDelay
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		return d.deps.Ledger.Record(wctx, dest)
	}
	notify := func(err error, next time.Duration) {
		lg.Warn("dispatcher: ledger append failed, retrying",
			zap.String("destination", string(dest)),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, uint64(d.settings.LedgerAttempts-1)), notify)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", apperrors.ErrLedgerWrite, dest, d.settings.LedgerAttempts, err)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, record domain.SubmissionRecord) {
	for _, obs := range d.observers {
		if err := d.observe(ctx, obs, record); err != nil {
			d.deps.Logger.WithContext(ctx).Warn("dispatcher: submission observer failed",
				zap.String("destination", string(record.Destination)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) observe(ctx context.Context, obs SubmissionObserver, record domain.SubmissionRecord) error {
	octx, cancel := context.WithTimeout(ctx, d.settings.ObserverTimeout)
	defer cancel()
	return obs.ObserveSubmission(octx, record)
}

func (d *Dispatcher) pacing() time.Duration {
	lo, hi := d.settings.PacingMin, d.settings.PacingMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(d.rng.Int63n(int64(hi-lo)+1))
}

func (d *Dispatcher) cycleBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if d.settings.CycleBaseDelay > 0 {
		b.InitialInterval = d.settings.CycleBaseDelay
	}
	if d.settings.CycleMaxDelay > 0 {
		b.MaxInterval = d.settings.CycleMaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Remaining returns the queue minus everything already in the ledger, in queue
// order, keeping only the first occurrence of each destination.
func Remaining(queue []domain.Destination, progress *domain.Progress) []domain.Destination {
	seen := make(map[domain.Destination]struct{}, len(queue))
	out := make([]domain.Destination, 0, len(queue))
	for _, dest := range queue {
		if _, dup := seen[dest]; dup {
			continue
		}
		seen[dest] = struct{}{}
		if progress.Has(dest) {
			continue
		}
		out = append(out, dest)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
