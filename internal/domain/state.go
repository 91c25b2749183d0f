package domain

// DispatcherState is the observable state of the campaign dispatcher.
type DispatcherState string

const (
	StateLoading      DispatcherState = "loading"
	StateDispatching  DispatcherState = "dispatching"
	StateIdle         DispatcherState = "idle"
	StatePaused       DispatcherState = "paused"
	StateWaitingRetry DispatcherState = "waiting_retry"
	StateDegraded     DispatcherState = "degraded"
)
