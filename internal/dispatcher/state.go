package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/pkg/logger"
)

const (
	eventLoad     = "load"
	eventDispatch = "dispatch"
	eventIdle     = "idle"
	eventPause    = "pause"
	eventFail     = "fail"
	eventDegrade  = "degrade"
)

func stateName(st domain.DispatcherState) string { return string(st) }

// Status is a point-in-time view of the dispatcher for operators.
type Status struct {
	State               domain.DispatcherState `json:"state"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastError           string                 `json:"last_error,omitempty"`
	LastCycle           CycleResult            `json:"last_cycle"`
	LastCycleAt         time.Time              `json:"last_cycle_at"`
	PauseGateError      string                 `json:"pause_gate_error,omitempty"`
}

type stateMachine struct {
	fsm    *fsm.FSM
	logger *logger.Logger

	mu          sync.RWMutex
	failures    int
	lastErr     string
	lastCycle   CycleResult
	lastCycleAt time.Time
}

func newStateMachine(lg *logger.Logger) *stateMachine {
	m := &stateMachine{logger: lg}
	m.fsm = fsm.NewFSM(
		stateName(domain.StateLoading),
		fsm.Events{
			{Name: eventLoad, Src: []string{stateName(domain.StateLoading), stateName(domain.StateIdle), stateName(domain.StatePaused), stateName(domain.StateWaitingRetry), stateName(domain.StateDegraded), stateName(domain.StateDispatching)}, Dst: stateName(domain.StateLoading)},
			{Name: eventDispatch, Src: []string{stateName(domain.StateLoading)}, Dst: stateName(domain.StateDispatching)},
			{Name: eventIdle, Src: []string{stateName(domain.StateLoading)}, Dst: stateName(domain.StateIdle)},
			{Name: eventPause, Src: []string{stateName(domain.StatePaused), stateName(domain.StateLoading), stateName(domain.StateDispatching), stateName(domain.StateIdle), stateName(domain.StateWaitingRetry), stateName(domain.StateDegraded)}, Dst: stateName(domain.StatePaused)},
			{Name: eventFail, Src: []string{stateName(domain.StateLoading), stateName(domain.StateDegraded)}, Dst: stateName(domain.StateWaitingRetry)},
			{Name: eventDegrade, Src: []string{stateName(domain.StateLoading), stateName(domain.StateWaitingRetry)}, Dst: stateName(domain.StateDegraded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				lg.Debug("dispatcher: state change", zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
			},
		},
	)
	return m
}

func (m *stateMachine) fire(ctx context.Context, event string) {
	err := m.fsm.Event(ctx, event)
	if err == nil {
		return
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return
	}
	m.logger.Warn("dispatcher: rejected state transition",
		zap.String("event", event),
		zap.String("state", m.fsm.Current()),
		zap.Error(err),
	)
}

func (m *stateMachine) current() domain.DispatcherState {
	return domain.DispatcherState(m.fsm.Current())
}

func (m *stateMachine) recordCycle(res CycleResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCycle = res
	m.lastCycleAt = time.Now().UTC()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
		return
	}
	m.failures = 0
	m.lastErr = ""
}

func (m *stateMachine) consecutiveFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

func (m *stateMachine) status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:               m.current(),
		ConsecutiveFailures: m.failures,
		LastError:           m.lastErr,
		LastCycle:           m.lastCycle,
		LastCycleAt:         m.lastCycleAt,
	}
}
