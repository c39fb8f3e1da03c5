package worker

import "errors"

// Pool errors. Submit callers on the receive path treat ErrQueueFull as a
// dropped datagram.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("worker pool: nil processor")
	ErrStopTimeout        = errors.New("worker pool: timed out waiting for workers")
)
