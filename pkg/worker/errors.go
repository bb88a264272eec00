package worker

import "errors"

// Sentinel errors returned by pool operations. Callers branch on
// ErrQueueFull to decide whether a dropped message needs auditing.
var (
	ErrPoolNotStarted     = errors.New("pool not started")
	ErrPoolStopped        = errors.New("pool stopped")
	ErrPoolAlreadyStarted = errors.New("pool already started")
	ErrQueueFull          = errors.New("work queue at capacity")
	ErrNilProcessor       = errors.New("nil processor")
	ErrStopTimeout        = errors.New("workers did not drain before deadline")
	ErrProcessorPanic     = errors.New("processor panicked")
)
