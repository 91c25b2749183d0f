package dispatcher

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/failover-dialer/internal/config"
	"github.com/acme/failover-dialer/internal/dialchain"
	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/internal/telephony"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticDestinations struct {
	mu    sync.Mutex
	items []domain.Destination
	err   error
	loads int
}

func (s *staticDestinations) Load(context.Context) ([]domain.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Destination, len(s.items))
	copy(out, s.items)
	return out, nil
}

type staticIdentities struct {
	ids []string
	err error
}

func (s staticIdentities) Load(context.Context) (domain.IdentityPool, error) {
	if s.err != nil {
		return domain.IdentityPool{}, s.err
	}
	m := make(map[string]struct{}, len(s.ids))
	for _, id := range s.ids {
		m[id] = struct{}{}
	}
	return domain.NewIdentityPool(m), nil
}

type memLedger struct {
	mu          sync.Mutex
	records     []domain.Destination
	failRecords int
	recordCalls int
	recordErr   error
	loadErr     error
}

func (l *memLedger) Load(context.Context) (*domain.Progress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return domain.NewProgress(l.records), nil
}

func (l *memLedger) Record(_ context.Context, dest domain.Destination) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordCalls++
	if l.failRecords != 0 {
		if l.failRecords > 0 {
			l.failRecords--
		}
		if l.recordErr != nil {
			return l.recordErr
		}
		return errors.New("disk full")
	}
	l.records = append(l.records, dest)
	return nil
}

func (l *memLedger) snapshot() []domain.Destination {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Destination, len(l.records))
	copy(out, l.records)
	return out
}

type flagPause struct {
	paused  atomic.Bool
	gateErr error
}

func (p *flagPause) IsPaused(context.Context) bool { return p.paused.Load() || p.gateErr != nil }

func (p *flagPause) Err() error { return p.gateErr }

type recordingOriginator struct {
	mu     sync.Mutex
	chains []domain.DialChain
	fail   map[domain.Destination]error
	block  bool
}

func (o *recordingOriginator) Submit(ctx context.Context, chain domain.DialChain) (telephony.Result, error) {
	o.mu.Lock()
	o.chains = append(o.chains, chain)
	err := o.fail[chain.Destination]
	block := o.block
	o.mu.Unlock()

	if block {
		<-ctx.Done()
		return telephony.Result{}, ctx.Err()
	}
	if err != nil {
		return telephony.Result{}, err
	}
	return telephony.Result{JobID: "job-" + string(chain.Destination), DialString: "dial"}, nil
}

func (o *recordingOriginator) destinations() []domain.Destination {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Destination, 0, len(o.chains))
	for _, c := range o.chains {
		out = append(out, c.Destination)
	}
	return out
}

// maxRand always picks the first identity and the longest pacing delay.
type maxRand struct{}

func (maxRand) Intn(int) int         { return 0 }
func (maxRand) Int63n(n int64) int64 { return n - 1 }

type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(n int, d time.Duration) error
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	n := len(s.waits)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(n, d); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.waits))
	copy(out, s.waits)
	return out
}

type harness struct {
	dests      *staticDestinations
	identities staticIdentities
	ledger     *memLedger
	pause      *flagPause
	originator *recordingOriginator
	sleeper    *fakeSleeper
	settings   Settings
	observers  []SubmissionObserver
	records    []domain.SubmissionRecord
	recMu      sync.Mutex
}

func newHarness(queue ...domain.Destination) *harness {
	return &harness{
		dests:      &staticDestinations{items: queue},
		identities: staticIdentities{ids: []string{"+15559990000"}},
		ledger:     &memLedger{},
		pause:      &flagPause{},
		originator: &recordingOriginator{},
		sleeper:    &fakeSleeper{},
		settings: Settings{
			Campaign:          "test",
			PausedPoll:        10 * time.Second,
			IdleInterval:      60 * time.Second,
			PacingMin:         10 * time.Second,
			PacingMax:         18 * time.Second,
			SubmitTimeout:     time.Second,
			ObserverTimeout:   20 * time.Millisecond,
			CycleBaseDelay:    10 * time.Millisecond,
			CycleMaxDelay:     40 * time.Millisecond,
			DegradedThreshold: 3,
			LedgerAttempts:    3,
			LedgerBaseDelay:   time.Millisecond,
		},
	}
}

func (h *harness) dispatcher() *Dispatcher {
	builder := dialchain.NewBuilder(config.ChainConfig{
		Carriers: []config.CarrierConfig{
			{Name: "telnyx", Address: "sofia/internal/{e164}@sip.telnyx.com"},
			{Name: "voxbeam", Address: "sofia/gateway/voxbeam/0011104{digits}"},
			{Name: "anveo", Address: "sofia/gateway/anveo/{digits}"},
		},
		LegTimeout:     6 * time.Second,
		CountryCode:    "1",
		Codec:          "PCMU",
		TransferTarget: "+15550001111",
	})
	observer := ObserverFunc(func(_ context.Context, rec domain.SubmissionRecord) error {
		h.recMu.Lock()
		defer h.recMu.Unlock()
		h.records = append(h.records, rec)
		return nil
	})
	return New(Deps{
		Destinations: h.dests,
		Identities:   h.identities,
		Ledger:       h.ledger,
		Pause:        h.pause,
		Builder:      builder,
		Originator:   h.originator,
	}, h.settings,
		WithRand(maxRand{}),
		WithSleeper(h.sleeper.sleep),
		WithObservers(append([]SubmissionObserver{observer}, h.observers...)...),
	)
}

func (h *harness) statuses() []domain.SubmissionStatus {
	h.recMu.Lock()
	defer h.recMu.Unlock()
	out := make([]domain.SubmissionStatus, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Status)
	}
	return out
}

func TestRunCycleDispatchesQueueInOrder(t *testing.T) {
	h := newHarness("5551234567", "15557654321")
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Outcome: OutcomeCompleted, Remaining: 2, Submitted: 2}, res)

	chains := h.originator.chains
	require.Len(t, chains, 2)
	require.Equal(t, "sofia/internal/+15551234567@sip.telnyx.com", chains[0].Legs[0].Address)
	require.Equal(t, "sofia/internal/+15557654321@sip.telnyx.com", chains[1].Legs[0].Address)
	for _, chain := range chains {
		require.Equal(t, domain.Identity("+15559990000"), chain.Identity)
		v, ok := chain.Param(dialchain.VarEffectiveCIDNum)
		require.True(t, ok)
		require.Equal(t, "+15559990000", v)
		require.Len(t, chain.Legs, 3)
	}

	require.Equal(t, []domain.Destination{"5551234567", "15557654321"}, h.ledger.snapshot())
	require.Equal(t, []time.Duration{18 * time.Second, 18 * time.Second}, h.sleeper.recorded())
	require.Equal(t, []domain.SubmissionStatus{domain.SubmissionAccepted, domain.SubmissionAccepted}, h.statuses())
}

func TestSubmissionFailureIsRecordedAndNotRetried(t *testing.T) {
	h := newHarness("5551234567", "5557654321")
	h.originator.fail = map[domain.Destination]error{
		"5551234567": errors.New("-ERR NO_ROUTE_DESTINATION"),
	}
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Submitted)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []domain.Destination{"5551234567", "5557654321"}, h.originator.destinations())
	require.Equal(t, []domain.Destination{"5551234567", "5557654321"}, h.ledger.snapshot())
	require.Equal(t, []domain.SubmissionStatus{domain.SubmissionFailed, domain.SubmissionAccepted}, h.statuses())

	res, err = d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
	require.Len(t, h.originator.destinations(), 2)
}

func TestRunCycleRecordsEachDuplicateOnce(t *testing.T) {
	h := newHarness("a1", "b2", "a1", "c3", "b2")
	h.ledger.records = []domain.Destination{"b2"}
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Remaining)
	require.Equal(t, []domain.Destination{"a1", "c3"}, h.originator.destinations())
	require.Equal(t, []domain.Destination{"b2", "a1", "c3"}, h.ledger.snapshot())
}

func TestRestartDispatchesOnlyTheComplement(t *testing.T) {
	h := newHarness("5550000001", "5550000002", "5550000003")
	h.ledger.records = []domain.Destination{"5550000002"}

	_, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Destination{"5550000001", "5550000003"}, h.originator.destinations())

	// a fresh process over the same ledger has nothing left to do
	res, err := h.dispatcher().RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
	require.Len(t, h.originator.destinations(), 2)
}

func TestPauseMidCycleResumesWhereItStopped(t *testing.T) {
	h := newHarness("5550000001", "5550000002", "5550000003")
	h.sleeper.hook = func(n int, _ time.Duration) error {
		if n == 1 {
			h.pause.paused.Store(true)
		}
		return nil
	}
	d := h.dispatcher()
	ctx := context.Background()

	res, err := d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, res.Outcome)
	require.Equal(t, 1, res.Submitted)
	require.Equal(t, domain.StatePaused, d.Status().State)

	loads := h.dests.loads
	res, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, res.Outcome)
	require.Equal(t, loads, h.dests.loads, "paused cycle must not load inputs")

	h.pause.paused.Store(false)
	res, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	want := []domain.Destination{"5550000001", "5550000002", "5550000003"}
	require.Equal(t, want, h.originator.destinations())
	require.Equal(t, want, h.ledger.snapshot())
}

func TestLedgerWriteFailureIsFatal(t *testing.T) {
	h := newHarness("5550000001", "5550000002")
	h.ledger.failRecords = -1
	d := h.dispatcher()

	err := d.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrLedgerWrite))
	require.Equal(t, 3, h.ledger.recordCalls)
	require.Equal(t, []domain.Destination{"5550000001"}, h.originator.destinations())
}

func TestLedgerWriteFailureKeepsCause(t *testing.T) {
	h := newHarness("5550000001")
	h.ledger.failRecords = -1
	h.ledger.recordErr = &fs.PathError{Op: "write", Path: "already_called.log", Err: fs.ErrPermission}

	_, err := h.dispatcher().RunCycle(context.Background())
	require.ErrorIs(t, err, apperrors.ErrLedgerWrite)
	require.ErrorIs(t, err, fs.ErrPermission)
}

func TestLedgerWriteRetriesTransientFailures(t *testing.T) {
	h := newHarness("5550000001")
	h.ledger.failRecords = 2
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 3, h.ledger.recordCalls)
	require.Equal(t, []domain.Destination{"5550000001"}, h.ledger.snapshot())
}

func TestEmptyInputsTakeTheIdlePath(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		h := newHarness()
		res, err := h.dispatcher().RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeIdle, res.Outcome)
	})

	t.Run("empty identity pool", func(t *testing.T) {
		h := newHarness("5550000001")
		h.identities = staticIdentities{}
		d := h.dispatcher()
		res, err := d.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeIdle, res.Outcome)
		require.Empty(t, h.originator.destinations())
		require.Empty(t, h.ledger.snapshot())
		require.Equal(t, domain.StateIdle, d.Status().State)
	})
}

func TestInvalidDestinationIsRecordedWithoutSubmission(t *testing.T) {
	h := newHarness("n/a", "5550000001")
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Submitted)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []domain.Destination{"5550000001"}, h.originator.destinations())
	require.Equal(t, []domain.Destination{"n/a", "5550000001"}, h.ledger.snapshot())
	require.Equal(t, []domain.SubmissionStatus{domain.SubmissionInvalid, domain.SubmissionAccepted}, h.statuses())
}

func TestSubmitTimeoutIsASubmissionFailure(t *testing.T) {
	h := newHarness("5550000001")
	h.originator.block = true
	h.settings.SubmitTimeout = 20 * time.Millisecond
	d := h.dispatcher()

	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []domain.Destination{"5550000001"}, h.ledger.snapshot())
	require.Equal(t, []domain.SubmissionStatus{domain.SubmissionTimedOut}, h.statuses())
}

func TestStalledObserverDoesNotHoldTheCycle(t *testing.T) {
	h := newHarness("5551234567", "15557654321")
	var calls atomic.Int32
	h.observers = []SubmissionObserver{ObserverFunc(func(ctx context.Context, _ domain.SubmissionRecord) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})}
	d := h.dispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 2, res.Submitted)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, []domain.Destination{"5551234567", "15557654321"}, h.originator.destinations())
	require.Equal(t, []domain.Destination{"5551234567", "15557654321"}, h.ledger.snapshot())
	require.Len(t, h.statuses(), 2)
}

func TestRunBacksOffAndDegrades(t *testing.T) {
	h := newHarness("5550000001")
	h.dests.err = errors.New("permission denied")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sleeper.hook = func(n int, _ time.Duration) error {
		if n == 4 {
			cancel()
		}
		return nil
	}
	d := h.dispatcher()

	err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, h.sleeper.recorded())

	st := d.Status()
	require.Equal(t, domain.StateDegraded, st.State)
	require.Equal(t, 4, st.ConsecutiveFailures)
	require.Contains(t, st.LastError, "permission denied")
	require.Empty(t, h.originator.destinations())
}

func TestRunRecoversAfterInputFailure(t *testing.T) {
	h := newHarness()
	h.dests.err = errors.New("no such file")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sleeper.hook = func(n int, _ time.Duration) error {
		switch n {
		case 1:
			h.dests.mu.Lock()
			h.dests.err = nil
			h.dests.mu.Unlock()
		case 2:
			cancel()
		}
		return nil
	}
	d := h.dispatcher()

	require.ErrorIs(t, d.Run(ctx), context.Canceled)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 60 * time.Second}, h.sleeper.recorded())

	st := d.Status()
	require.Equal(t, domain.StateIdle, st.State)
	require.Zero(t, st.ConsecutiveFailures)
	require.Empty(t, st.LastError)
}

func TestRunPollsWhilePaused(t *testing.T) {
	h := newHarness("5550000001")
	h.pause.paused.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sleeper.hook = func(n int, _ time.Duration) error {
		switch n {
		case 2:
			h.pause.paused.Store(false)
		case 4:
			cancel()
		}
		return nil
	}
	d := h.dispatcher()

	require.ErrorIs(t, d.Run(ctx), context.Canceled)
	require.Equal(t, []time.Duration{
		10 * time.Second, // paused
		10 * time.Second, // paused
		18 * time.Second, // pacing after the only destination
		60 * time.Second, // idle
	}, h.sleeper.recorded())
	require.Equal(t, []domain.Destination{"5550000001"}, h.ledger.snapshot())
}

func TestStatusSeparatesGateFailureFromPause(t *testing.T) {
	h := newHarness("5550000001")
	d := h.dispatcher()

	h.pause.paused.Store(true)
	res, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, res.Outcome)
	require.Empty(t, d.Status().PauseGateError)

	h.pause.paused.Store(false)
	h.pause.gateErr = errors.New("redis pause gate: exists dialer:pause: connection refused")
	res, err = d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, res.Outcome)
	st := d.Status()
	require.Equal(t, domain.StatePaused, st.State)
	require.Contains(t, st.PauseGateError, "connection refused")
	require.Empty(t, h.originator.destinations())
}

func TestPacingStaysWithinBounds(t *testing.T) {
	h := newHarness()
	d := h.dispatcher()
	d.rng = rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		p := d.pacing()
		require.GreaterOrEqual(t, p, h.settings.PacingMin)
		require.LessOrEqual(t, p, h.settings.PacingMax)
	}

	d.settings.PacingMax = d.settings.PacingMin
	require.Equal(t, h.settings.PacingMin, d.pacing())
}

func TestRemaining(t *testing.T) {
	cases := []struct {
		name   string
		queue  []domain.Destination
		ledger []domain.Destination
		want   []domain.Destination
	}{
		{name: "empty ledger", queue: []domain.Destination{"a", "b"}, want: []domain.Destination{"a", "b"}},
		{name: "all attempted", queue: []domain.Destination{"a", "b"}, ledger: []domain.Destination{"b", "a"}, want: []domain.Destination{}},
		{name: "order preserved", queue: []domain.Destination{"c", "a", "b"}, ledger: []domain.Destination{"a"}, want: []domain.Destination{"c", "b"}},
		{name: "duplicates collapse", queue: []domain.Destination{"a", "a", "b", "a"}, want: []domain.Destination{"a", "b"}},
		{name: "ledger extras ignored", queue: []domain.Destination{"a"}, ledger: []domain.Destination{"z"}, want: []domain.Destination{"a"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Remaining(tc.queue, domain.NewProgress(tc.ledger))
			require.Equal(t, tc.want, got)
		})
	}

	require.Equal(t, []domain.Destination{"a"}, Remaining([]domain.Destination{"a"}, nil))
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
